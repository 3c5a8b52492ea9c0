package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tessera/runtime/asset"
	"tessera/runtime/fault"
	"tessera/runtime/generate"
	"tessera/runtime/model"
	"tessera/runtime/schema"
	"tessera/runtime/telemetry"
)

type (
	// SchemaLoader resolves the schemas targeted by a run.
	SchemaLoader interface {
		GetSchema(ctx context.Context, id int64) (*schema.AnnotationSchema, error)
	}

	// AssetLoader resolves the assets targeted by a run.
	AssetLoader interface {
		GetAsset(ctx context.Context, id int64) (*asset.Asset, error)
	}

	// AnnotationWriter persists annotations and justifications as the run
	// produces them.
	AnnotationWriter interface {
		CreateAnnotation(ctx context.Context, a *Annotation) error
		CreateJustification(ctx context.Context, j *Justification) error
	}

	// RunUpdater persists run status transitions.
	RunUpdater interface {
		UpdateRun(ctx context.Context, r *Run) error
	}

	// Executor applies every (asset, schema) pair of a run through the
	// generation loop, validating each result against the schema contract
	// before persisting it. Individual failures mark their annotation failed
	// and the run continues; the run only fails wholesale when setup is
	// broken (missing schema, provider misconfiguration).
	Executor struct {
		gen     *generate.Generator
		schemas SchemaLoader
		assets  AssetLoader
		writer  AnnotationWriter
		runs    RunUpdater
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// ExecutorOptions configures an Executor.
	ExecutorOptions struct {
		Generator *generate.Generator
		Schemas   SchemaLoader
		Assets    AssetLoader
		Writer    AnnotationWriter
		Runs      RunUpdater
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}
)

// NewExecutor constructs an Executor. Logger and Metrics default to no-ops.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	return &Executor{
		gen:     opts.Generator,
		schemas: opts.Schemas,
		assets:  opts.Assets,
		writer:  opts.Writer,
		runs:    opts.Runs,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Execute drives a pending run to a terminal state. The run ends COMPLETED
// when every annotation succeeded, COMPLETED_WITH_ERRORS when at least one
// failed but others succeeded, and FAILED when setup failed or nothing could
// be annotated.
func (e *Executor) Execute(ctx context.Context, provider model.Provider, run *Run) error {
	if err := run.Transition(RunRunning); err != nil {
		return err
	}
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}

	start := time.Now()
	schemas, err := e.loadSchemas(ctx, run)
	if err != nil {
		return e.fail(ctx, run, err)
	}
	validators, err := compileValidators(schemas)
	if err != nil {
		return e.fail(ctx, run, err)
	}

	var succeeded, failed int
	for _, assetID := range run.TargetAssetIDs {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, run, err)
		}
		a, err := e.assets.GetAsset(ctx, assetID)
		if err != nil {
			e.log.Warn(ctx, "skipping missing asset", "asset_id", assetID, "error", err.Error())
			failed++
			continue
		}
		for _, s := range schemas {
			ann, jerr := e.annotateOne(ctx, provider, run, s, validators[s.ID], a)
			if jerr != nil {
				return e.fail(ctx, run, jerr)
			}
			if ann.Status == AnnotationSuccess {
				succeeded++
			} else {
				failed++
			}
		}
	}

	e.metrics.RecordTimer(ctx, "annotate.run.duration", time.Since(start), "status", string(run.Status))

	final := RunCompleted
	switch {
	case succeeded == 0 && failed > 0:
		run.ErrorMessage = fmt.Sprintf("all %d annotations failed", failed)
		if err := run.Transition(RunFailed); err != nil {
			return err
		}
		return e.runs.UpdateRun(ctx, run)
	case failed > 0:
		final = RunCompletedWithErrors
	}
	if err := run.Transition(final); err != nil {
		return err
	}
	return e.runs.UpdateRun(ctx, run)
}

// annotateOne generates and persists a single annotation. Provider and
// validation failures are recorded on the annotation; only persistence
// errors propagate.
func (e *Executor) annotateOne(ctx context.Context, provider model.Provider, run *Run, s *schema.AnnotationSchema, v *schema.Validator, a *asset.Asset) (*Annotation, error) {
	ann := &Annotation{
		UUID:      uuid.New(),
		AssetID:   a.ID,
		SchemaID:  s.ID,
		RunID:     run.ID,
		CreatedAt: time.Now().UTC(),
	}

	req, err := e.buildRequest(ctx, run, s, a)
	if err != nil {
		ann.Status = AnnotationFailed
		ann.ErrorMessage = err.Error()
		e.metrics.IncCounter(ctx, "annotate.annotation.failed", "schema", s.Name)
		if werr := e.writer.CreateAnnotation(ctx, ann); werr != nil {
			return nil, werr
		}
		return ann, nil
	}

	resp, err := e.gen.Generate(ctx, provider, req)
	if err != nil {
		e.log.Warn(ctx, "annotation generation failed",
			"run_id", run.ID, "asset_id", a.ID, "schema_id", s.ID, "error", err.Error())
		ann.Status = AnnotationFailed
		ann.ErrorMessage = err.Error()
		e.metrics.IncCounter(ctx, "annotate.annotation.failed", "schema", s.Name)
		if werr := e.writer.CreateAnnotation(ctx, ann); werr != nil {
			return nil, werr
		}
		return ann, nil
	}

	value, err := decodeValue(resp.Content)
	if err == nil {
		err = v.Validate(value)
	}
	if err != nil {
		ann.Status = AnnotationFailed
		ann.ErrorMessage = fault.Wrap(fault.KindValidation, "annotation value rejected by contract", err).Error()
		e.metrics.IncCounter(ctx, "annotate.annotation.failed", "schema", s.Name)
		if werr := e.writer.CreateAnnotation(ctx, ann); werr != nil {
			return nil, werr
		}
		return ann, nil
	}

	ann.Status = AnnotationSuccess
	ann.Value = value
	if werr := e.writer.CreateAnnotation(ctx, ann); werr != nil {
		return nil, werr
	}
	e.metrics.IncCounter(ctx, "annotate.annotation.succeeded", "schema", s.Name)

	if err := e.writeJustifications(ctx, run, s, ann, value); err != nil {
		return nil, err
	}
	return ann, nil
}

// buildRequest assembles the generation request for one (asset, schema)
// pair: schema instructions as system guidance, asset text (plus optional
// parent context) as the user message, and the output contract as the
// structured response format.
func (e *Executor) buildRequest(ctx context.Context, run *Run, s *schema.AnnotationSchema, a *asset.Asset) (*generate.Request, error) {
	text := a.TextContent
	if text == "" {
		return nil, fault.Processing("asset %d has no text content to annotate", a.ID)
	}
	if run.IncludeParentContext && a.ParentAssetID != nil {
		parent, err := e.assets.GetAsset(ctx, *a.ParentAssetID)
		if err == nil && parent.TextContent != "" {
			parentText := parent.TextContent
			if run.ContextWindow > 0 && len(parentText) > run.ContextWindow {
				parentText = parentText[:run.ContextWindow]
			}
			text = "Parent document context:\n" + parentText + "\n\n---\n\n" + text
		}
	}

	modelName, _ := run.Configuration["model_name"].(string)
	if modelName == "" {
		return nil, fault.Validation("run configuration is missing model_name")
	}
	thinking, _ := run.Configuration["enable_thinking"].(bool)
	budget := 0
	if b, ok := run.Configuration["thinking_budget"].(float64); ok {
		budget = int(b)
	}

	sys := "You are a structured annotation engine. Apply the instructions to the document and respond only with data conforming to the required schema."
	user := s.Instructions + "\n\nDocument:\n" + text

	return &generate.Request{
		Messages: []*model.Message{
			model.SystemMessage(sys),
			model.UserMessage(user),
		},
		ModelName:       modelName,
		ResponseFormat:  s.OutputContract,
		ThinkingEnabled: thinking,
		ThinkingBudget:  budget,
	}, nil
}

// writeJustifications persists per-field justification records for fields
// the schema flags, pulling reasoning from the value's companion
// "<field>_justification" entries when the model produced them.
func (e *Executor) writeJustifications(ctx context.Context, run *Run, s *schema.AnnotationSchema, ann *Annotation, value map[string]any) error {
	modelName, _ := run.Configuration["model_name"].(string)
	for field, cfg := range s.FieldJustifications {
		if !cfg.Enabled {
			continue
		}
		reasoning, _ := value[field+"_justification"].(string)
		if reasoning == "" {
			continue
		}
		j := &Justification{
			AnnotationID: ann.ID,
			FieldName:    field,
			Reasoning:    reasoning,
			ModelName:    modelName,
		}
		if err := e.writer.CreateJustification(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) loadSchemas(ctx context.Context, run *Run) ([]*schema.AnnotationSchema, error) {
	if len(run.TargetSchemaIDs) == 0 {
		return nil, fault.Validation("run has no target schemas")
	}
	if len(run.TargetAssetIDs) == 0 {
		return nil, fault.Validation("run has no target assets")
	}
	schemas := make([]*schema.AnnotationSchema, 0, len(run.TargetSchemaIDs))
	for _, id := range run.TargetSchemaIDs {
		s, err := e.schemas.GetSchema(ctx, id)
		if err != nil {
			return nil, fault.Wrap(fault.KindNotFound, fmt.Sprintf("schema %d", id), err)
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

func compileValidators(schemas []*schema.AnnotationSchema) (map[int64]*schema.Validator, error) {
	out := make(map[int64]*schema.Validator, len(schemas))
	for _, s := range schemas {
		v, err := schema.Compile(s.OutputContract)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, fmt.Sprintf("schema %q contract", s.Name), err)
		}
		out[s.ID] = v
	}
	return out, nil
}

func (e *Executor) fail(ctx context.Context, run *Run, cause error) error {
	run.ErrorMessage = cause.Error()
	if terr := run.Transition(RunFailed); terr != nil {
		return terr
	}
	if uerr := e.runs.UpdateRun(ctx, run); uerr != nil {
		return uerr
	}
	return cause
}

func decodeValue(content string) (map[string]any, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return nil, fmt.Errorf("annotate: decode model output: %w", err)
	}
	return value, nil
}
