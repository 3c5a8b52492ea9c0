package process

import "tessera/runtime/asset"

const (
	mib                = int64(1 << 20)
	immediateSizeLimit = 5 * mib
	hardSizeLimit      = 10 * mib
)

// ShouldProcessImmediately decides whether an asset is processed inline
// during ingestion or deferred to a background task. An explicit user
// preference always wins; otherwise size and kind decide, erring toward
// deferral for heavy kinds of unknown size. fileSize <= 0 means unknown.
func ShouldProcessImmediately(a *asset.Asset, userPreference *bool, fileSize int64) bool {
	if userPreference != nil {
		return *userPreference
	}
	heavy := a.Kind == asset.KindCSV || a.Kind == asset.KindPDF
	if fileSize > 0 {
		if fileSize > hardSizeLimit {
			return false
		}
		if fileSize > immediateSizeLimit && heavy {
			return false
		}
		if fileSize < immediateSizeLimit {
			return true
		}
	}
	if a.Kind == asset.KindWeb {
		return true
	}
	if heavy {
		// Unknown size on a heavy kind defers.
		return false
	}
	return true
}
