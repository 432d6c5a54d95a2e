// Package pipeline drives one claimed job through file acquisition, tabular
// conversion, field extraction and validation.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/filesource"
	"github.com/joseph-ayodele/timecard-processor/internal/llm"
	"github.com/joseph-ayodele/timecard-processor/internal/reasoning"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
	"github.com/joseph-ayodele/timecard-processor/internal/tabular"
	"github.com/joseph-ayodele/timecard-processor/internal/timecard"
)

// Progress checkpoints reported to the worker.
const (
	progressAcquired  = 10
	progressExtracted = 40
	progressValidated = 80
)

// Result is the payload written to Job.result on completion.
type Result struct {
	Status           string           `json:"status"`
	FileName         string           `json:"file_name"`
	ExtractedData    timecard.Record  `json:"extracted_data"`
	Validation       timecard.Verdict `json:"validation"`
	ExtractionMethod string           `json:"extraction_method"`
	ModelInfo        llm.ModelInfo    `json:"model_info"`
	ProcessedAt      string           `json:"processed_at"`
}

// Pipeline holds the collaborators shared by every job.
type Pipeline struct {
	source    filesource.Source
	extractor llm.FieldExtractor
	settings  repository.SettingsStore
	log       *slog.Logger
}

func New(source filesource.Source, extractor llm.FieldExtractor, settings repository.SettingsStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{source: source, extractor: extractor, settings: settings, log: logger}
}

// Process runs the full pipeline for one job. Extraction failures degrade
// into a completed-but-flagged result; only file acquisition and tabular
// conversion are fatal.
func (p *Pipeline) Process(ctx context.Context, job *repository.Job, progress func(int)) (json.RawMessage, error) {
	text, err := p.acquire(ctx, job)
	if err != nil {
		return nil, err
	}
	progress(progressAcquired)

	extraction, extractErr := p.extract(ctx, job, text)
	if extractErr != nil {
		p.log.Error("extraction failed, producing degraded record",
			"job_id", job.ID, "error", extractErr)
		extraction = llm.Extraction{
			Record: timecard.Degraded(extractErr),
			Method: "degraded",
		}
	}
	progress(progressExtracted)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	record := timecard.PostProcess(extraction.Record)

	ext := extraction.Guardrail
	if ext == nil || len(ext.Findings) == 0 {
		ext = reasoning.FallbackCheck(record)
	}
	verdict := timecard.Validate(record, ext)
	progress(progressValidated)

	p.log.Info("job validated",
		"job_id", job.ID,
		"result", verdict.ValidationResult,
		"issues", len(verdict.ValidationIssues),
		"confidence", verdict.ReasoningConfidence,
		"method", verdict.ValidationMethod)

	result := Result{
		Status:           "completed",
		FileName:         job.FileName,
		ExtractedData:    record,
		Validation:       verdict,
		ExtractionMethod: extraction.Method,
		ModelInfo:        extraction.ModelInfo,
		ProcessedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, common.NewAppError("RESULT_ENCODE", "encode job result", err)
	}
	return payload, nil
}

// acquire opens the job's file and converts it to markdown text. Any error
// here fails the job; there is nothing to degrade into.
func (p *Pipeline) acquire(ctx context.Context, job *repository.Job) (string, error) {
	f, err := p.source.Open(ctx, job.Metadata)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			p.log.Warn("close source file", "job_id", job.ID, "error", cerr)
		}
	}()

	name := job.FileName
	if job.Metadata != nil && job.Metadata.OriginalFilename != "" {
		name = job.Metadata.OriginalFilename
	}
	text, err := tabular.Convert(f, name)
	if err != nil {
		return "", common.WrapError(common.ErrExtraction,
			fmt.Sprintf("convert %s: %v", name, err))
	}
	p.log.Debug("file tabularized", "job_id", job.ID, "chars", len(text))
	return text, nil
}

func (p *Pipeline) extract(ctx context.Context, job *repository.Job, text string) (llm.Extraction, error) {
	req := llm.ExtractRequest{
		TabularText:  text,
		FilenameHint: job.FileName,
	}
	if guardrail, ok := reasoning.ActiveGuardrail(ctx, p.settings, p.log); ok {
		req.GuardrailID = guardrail.ID
		req.GuardrailVersion = guardrail.Version
	}
	return p.extractor.ExtractFields(ctx, req)
}
