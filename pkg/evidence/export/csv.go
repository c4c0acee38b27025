package export

import (
	"context"
	"encoding/csv"
	"io"
	"time"

	"mercator-hq/conductor/pkg/evidence"
)

// csvHeader lists the exported columns. The payload is written verbatim
// as compact JSON.
var csvHeader = []string{
	"id", "kind", "timestamp", "recorded_at",
	"correlation_id", "workflow_id", "backend_id", "rule_id",
	"summary", "hash", "payload",
}

var _ evidence.Exporter = (*CSVExporter)(nil)

// CSVExporter exports evidence records to CSV format.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

// Export writes evidence records to w in CSV format.
func (e *CSVExporter) Export(ctx context.Context, records []*evidence.Record, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return evidence.NewExportError("csv", 0, err)
		}
	}
	for i, record := range records {
		if err := writer.Write(recordToRow(record)); err != nil {
			return evidence.NewExportError("csv", i, err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return evidence.NewExportError("csv", len(records), err)
	}
	return nil
}

// ExportStream writes records from a channel in CSV format, flushing every
// 100 rows.
func (e *CSVExporter) ExportStream(ctx context.Context, recordsCh <-chan *evidence.Record, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return evidence.NewExportError("csv", 0, err)
		}
	}

	recordCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case record, ok := <-recordsCh:
			if !ok {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return evidence.NewExportError("csv", recordCount, err)
				}
				return nil
			}

			if err := writer.Write(recordToRow(record)); err != nil {
				return evidence.NewExportError("csv", recordCount, err)
			}
			recordCount++

			if recordCount%100 == 0 {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return evidence.NewExportError("csv", recordCount, err)
				}
			}
		}
	}
}

// recordToRow converts an evidence record to a CSV row.
func recordToRow(record *evidence.Record) []string {
	formatTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}

	return []string{
		record.ID,
		string(record.Kind),
		formatTime(record.Timestamp),
		formatTime(record.RecordedAt),
		record.CorrelationID,
		record.WorkflowID,
		record.BackendID,
		record.RuleID,
		record.Summary,
		record.Hash,
		string(record.Payload),
	}
}
