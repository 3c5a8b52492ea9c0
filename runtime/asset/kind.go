package asset

import (
	"path"
	"strings"
)

// Kind identifies the content type of an asset. Child-producing processors
// key off the kind (and sometimes the blob extension, e.g. Excel workbooks
// stored under KindCSV).
type Kind string

const (
	KindPDF     Kind = "pdf"
	KindCSV     Kind = "csv"
	KindCSVRow  Kind = "csv_row"
	KindPDFPage Kind = "pdf_page"
	KindWeb     Kind = "web"
	KindImage   Kind = "image"
	KindText    Kind = "text"
	KindArticle Kind = "article"
	KindMBox    Kind = "mbox"
	KindEmail   Kind = "email"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindFile    Kind = "file"
)

// extensionKinds maps a lowercase file extension (with dot) to the asset kind
// created for uploads and direct downloads. Unknown extensions map to
// KindFile.
var extensionKinds = map[string]Kind{
	".pdf":  KindPDF,
	".txt":  KindText,
	".md":   KindText,
	".doc":  KindFile,
	".docx": KindFile,
	".json": KindFile,
	".csv":  KindCSV,
	".xlsx": KindCSV,
	".xls":  KindCSV,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".bmp":  KindImage,
	".svg":  KindImage,
	".mp4":  KindVideo,
	".avi":  KindVideo,
	".mov":  KindVideo,
	".webm": KindVideo,
	".mp3":  KindAudio,
	".wav":  KindAudio,
	".ogg":  KindAudio,
	".mbox": KindMBox,
	".eml":  KindEmail,
	".zip":  KindFile,
	".tar":  KindFile,
	".gz":   KindFile,
}

// processableKinds are the kinds for which a processor yields child assets.
var processableKinds = map[Kind]bool{
	KindCSV:  true,
	KindPDF:  true,
	KindWeb:  true,
	KindMBox: true,
}

// KindForExtension maps a file extension (with or without leading dot, any
// case) to its asset kind. Unknown extensions yield KindFile.
func KindForExtension(ext string) Kind {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if k, ok := extensionKinds[ext]; ok {
		return k
	}
	return KindFile
}

// KindForPath maps a file path or URL path to its asset kind by extension.
func KindForPath(p string) Kind {
	return KindForExtension(path.Ext(p))
}

// NeedsProcessing reports whether assets of the kind are routed through a
// processor after creation.
func NeedsProcessing(k Kind) bool {
	return processableKinds[k]
}

// IsChildKind reports whether the kind only ever exists as a child of a
// parent asset and therefore requires ParentAssetID.
func IsChildKind(k Kind) bool {
	switch k {
	case KindCSVRow, KindPDFPage:
		return true
	default:
		return false
	}
}
