package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
	appErrors "github.com/noah-isme/campus-gatepass-api/pkg/errors"
	"github.com/noah-isme/campus-gatepass-api/pkg/export"
	"github.com/noah-isme/campus-gatepass-api/pkg/storage"
)

type exportPassRepository interface {
	List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
	MaxRows   int
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       string
	Rows         int
	ExpiresAt    time.Time
}

// ExportService renders pass-history exports and persists the files behind
// signed download links.
type ExportService struct {
	passes  exportPassRepository
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(passes exportPassRepository, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		passes:  passes,
		storage: files,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// GeneratePassHistory renders the pass history matching the filter and
// stores the file. Format is "csv" or "pdf".
func (s *ExportService) GeneratePassHistory(ctx context.Context, filter models.PassFilter, format string) (*ExportResult, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "pdf" {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported format %q", format))
	}

	filter.Page = 1
	filter.PageSize = s.cfg.MaxRows
	passes, _, err := s.passes.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load pass history")
	}

	dataset := buildPassHistoryDataset(passes)
	title := "Gate Pass History"

	var payload []byte
	if format == "csv" {
		payload, err = s.csv.Render(dataset)
	} else {
		payload, err = s.pdf.Render(dataset, title)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	filename := fmt.Sprintf("pass_history_%s.%s", time.Now().UTC().Format("20060102_150405"), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Generate("pass-history", relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/export/%s", prefix, token),
		Format:       format,
		Rows:         len(passes),
		ExpiresAt:    expiresAt,
	}, nil
}

// Open resolves a download token to the stored file.
func (s *ExportService) Open(token string) (*os.File, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "download link is invalid or expired")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
	}
	return file, nil
}

// Cleanup removes files older than ttl (defaults to ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func buildPassHistoryDataset(passes []models.GatePassDetail) export.Dataset {
	headers := []string{
		"Pass Code", "Student", "Reg No", "Department", "Destination",
		"Category", "Status", "Departure", "Expected Return",
		"Actual Exit", "Actual Return", "Late",
	}
	rows := make([]map[string]string, 0, len(passes))
	for _, pass := range passes {
		rows = append(rows, map[string]string{
			"Pass Code":       pass.PassCode,
			"Student":         pass.StudentName,
			"Reg No":          pass.StudentRegNo,
			"Department":      pass.StudentDepartment,
			"Destination":     pass.Destination,
			"Category":        string(pass.Category),
			"Status":          string(pass.Status),
			"Departure":       pass.DepartureTime.UTC().Format(time.RFC3339),
			"Expected Return": pass.ExpectedReturnTime.UTC().Format(time.RFC3339),
			"Actual Exit":     formatOptionalTime(pass.ActualExitTime),
			"Actual Return":   formatOptionalTime(pass.ActualReturnTime),
			"Late":            fmt.Sprintf("%t", pass.LateReturn),
		})
	}
	return export.Dataset{Headers: headers, Rows: rows}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
