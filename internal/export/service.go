package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/transcript-moderator/internal/entity"
	"github.com/joseph-ayodele/transcript-moderator/internal/utils"
)

// TranscriptGetter loads a transcript by id.
type TranscriptGetter interface {
	Get(ctx context.Context, id string) (*entity.Transcript, error)
}

// Service produces XLSX bytes for transcript exports.
type Service struct {
	transcripts TranscriptGetter
	logger      *slog.Logger
}

func NewService(transcripts TranscriptGetter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{transcripts: transcripts, logger: logger}
}

const sheet = "Transcript"

// ExportTranscriptXLSX returns a workbook with one row per segment.
func (s *Service) ExportTranscriptXLSX(ctx context.Context, id string) ([]byte, error) {
	start := time.Now()

	t, err := s.transcripts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := BuildWorkbook(t)
	if err != nil {
		return nil, err
	}

	s.logger.Info("export.xlsx.ok",
		"transcript_id", t.ID,
		"rows", len(t.Segments),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return b, nil
}

// BuildWorkbook renders t as an XLSX workbook.
func BuildWorkbook(t *entity.Transcript) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{"#", "Start", "End", "Text", "Category", "Score"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, seg := range t.Segments {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, i+1)
		write(2, utils.FormatTimestamp(seg.Start))
		write(3, utils.FormatTimestamp(seg.End))
		write(4, seg.Text)
		write(5, string(seg.Category))
		if score, ok := seg.Scores[string(seg.Category)]; ok {
			write(6, score)
		}
	}

	// summary below the segments
	summary := len(t.Segments) + 3
	meta := [][2]any{
		{"Transcript ID", t.ID},
		{"Filename", t.Filename},
		{"Status", string(t.Status())},
		{"Language", t.Language},
	}
	for i, kv := range meta {
		k, _ := excelize.CoordinatesToCellName(1, summary+i)
		v, _ := excelize.CoordinatesToCellName(2, summary+i)
		_ = f.SetCellValue(sheet, k, kv[0])
		_ = f.SetCellValue(sheet, v, kv[1])
	}

	_ = f.SetColWidth(sheet, "A", "A", 14)
	_ = f.SetColWidth(sheet, "B", "C", 14) // timestamps
	_ = f.SetColWidth(sheet, "D", "D", 80) // text
	_ = f.SetColWidth(sheet, "E", "F", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
