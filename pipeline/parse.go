package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/GD-TG/analytics-platform-sub000/jobq"
	"github.com/GD-TG/analytics-platform-sub000/store"
)

// ParseJob asks the parse stage to normalize one raw capture.
type ParseJob struct {
	RawID string `json:"raw_id"`
}

// Parser turns raw captures into monthly fact rows. Parsing always starts
// from the immutable capture, never from partial state, so redelivery of
// the same job is safe.
type Parser struct {
	store  *store.Store
	logger *slog.Logger
}

// NewParser wires a parse stage.
func NewParser(st *store.Store, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{store: st, logger: logger}
}

// Handle processes one parse job. A capture that is already processed is a
// no-op; a mid-parse failure leaves the capture unprocessed with status 500
// and lets the queue retry.
func (p *Parser) Handle(ctx context.Context, payload []byte) error {
	var job ParseJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return jobq.Permanent(fmt.Errorf("parse: decode job: %w", err))
	}

	raw, err := p.store.GetRaw(ctx, job.RawID)
	if err != nil {
		return fmt.Errorf("parse: load capture: %w", err)
	}
	if raw == nil {
		return jobq.Permanent(fmt.Errorf("parse: capture %s not found", job.RawID))
	}
	if raw.ProcessedAt != 0 {
		// Duplicate delivery after a successful parse.
		return nil
	}

	entity, err := p.store.GetEntity(ctx, raw.EntityID)
	if err != nil {
		return fmt.Errorf("parse: load entity: %w", err)
	}
	if entity == nil {
		return jobq.Permanent(fmt.Errorf("parse: entity %s gone for capture %s", raw.EntityID, raw.ID))
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw.ResponseData), &envelope); err != nil {
		return p.failed(ctx, raw, fmt.Errorf("parse: decode envelope: %w", err))
	}

	switch raw.Source {
	case store.SourceTraffic:
		err = p.parseTraffic(ctx, raw, entity, envelope)
	case store.SourceAds:
		err = p.parseAds(ctx, raw, envelope)
	case store.SourceSearch:
		err = p.parseSearch(ctx, raw, envelope)
	default:
		return p.failed(ctx, raw, jobq.Permanent(fmt.Errorf("parse: unknown source %q", raw.Source)))
	}
	if err != nil {
		return p.failed(ctx, raw, err)
	}

	if err := p.store.MarkRawProcessed(ctx, raw.ID); err != nil {
		return fmt.Errorf("parse: mark processed: %w", err)
	}
	p.logger.Info("parse: capture processed",
		"raw", raw.ID, "entity", raw.EntityID, "source", raw.Source)
	return nil
}

// failed records the failure on the capture and returns the error so the
// queue retries. The capture stays unprocessed.
func (p *Parser) failed(ctx context.Context, raw *store.RawResponse, err error) error {
	if merr := p.store.MarkRawFailed(ctx, raw.ID, err.Error()); merr != nil {
		p.logger.Warn("parse: mark failed", "raw", raw.ID, "error", merr)
	}
	return err
}
