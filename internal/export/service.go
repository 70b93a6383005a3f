package export

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cqm/api/internal/catalog"
	"cqm/api/internal/pitch"
	"cqm/api/internal/records"
	"cqm/api/internal/scoring"
)

// Converter turns rendered HTML into a binary document.
type Converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides call sheet export functionality
type Service struct {
	cat    *catalog.Catalog
	sink   Sink
	logger *zap.Logger
	toPDF  Converter
	toDOCX Converter
}

// NewService creates an export service. sink may be nil when object storage
// is not configured.
func NewService(cat *catalog.Catalog, sink Sink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cat: cat, sink: sink, logger: logger, toPDF: exportPDF, toDOCX: exportDOCX}
}

// Export renders rec in the requested format.
func (s *Service) Export(ctx context.Context, rec records.Record, format Format) (*Result, error) {
	html, err := RenderCallSheetHTML(s.templateData(rec))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	title := rec.CompanyName + " call sheet"

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.toPDF(ctx, html, title)
	case FormatDOCX:
		return s.toDOCX(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// Publish exports rec and uploads it, returning a time-limited download URL.
func (s *Service) Publish(ctx context.Context, rec records.Record, format Format) (string, error) {
	if s.sink == nil {
		return "", ErrNoSink
	}
	result, err := s.Export(ctx, rec, format)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("callsheets/%s/%d-%s", rec.ID, time.Now().UTC().Unix(), result.Filename)
	url, err := s.sink.Put(ctx, key, result)
	if err != nil {
		return "", fmt.Errorf("publish export: %w", err)
	}
	s.logger.Info("export published", zap.String("record_id", rec.ID), zap.String("key", key), zap.String("format", string(format)))
	return url, nil
}

func (s *Service) templateData(rec records.Record) TemplateData {
	state := pitch.LoadRecord(s.cat, pitch.State{}, rec)

	data := TemplateData{
		Title:         rec.CompanyName + " call sheet",
		CompanyName:   rec.CompanyName,
		Rep:           rec.TeamMemberName,
		ContactName:   rec.ContactName,
		ContactNumber: rec.ContactNumber,
		Gatekeeper:    rec.Gatekeeper,
		SignalLabel:   rec.SignalLabel,
		WorkforceSize: optionLabel(s.cat.WorkforceSizes(), rec.WorkforceSize),
		Industry:      optionLabel(s.cat.Industries(), rec.Industry),
		AngleName:     rec.AngleName,
		StressScore:   rec.StressScore,
		Band:          string(scoring.BandFor(rec.StressScore)),
	}
	if data.Rep == "" {
		data.Rep = records.AnonymousRep
	}
	if t, ok := rec.SavedAt(); ok {
		data.SavedAt = t
	}
	if t, ok := rec.UpdatedAt(); ok {
		data.UpdatedAt = t
	}
	if state.Result != nil {
		data.Hook = state.Result.HookTemplate
		data.Pitch = state.Result.Pitch
		data.InternalFocus = state.Result.InternalFocus
	}
	for _, p := range pitch.Prompts(state) {
		data.Checklist = append(data.Checklist, ChecklistItem{Question: p.Question, Detail: p.Detail})
	}
	return data
}

func optionLabel(options []catalog.Option, value string) string {
	for _, o := range options {
		if o.Value == value {
			return o.Label
		}
	}
	return value
}
