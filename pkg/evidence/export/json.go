package export

import (
	"context"
	"encoding/json"
	"io"

	"mercator-hq/conductor/pkg/evidence"
)

var _ evidence.Exporter = (*JSONExporter)(nil)

// JSONExporter exports evidence records as a JSON array.
type JSONExporter struct {
	// Pretty enables pretty-printing with indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes records to w as a JSON array. No records yields "[]".
func (e *JSONExporter) Export(ctx context.Context, records []*evidence.Record, w io.Writer) error {
	if records == nil {
		records = []*evidence.Record{}
	}

	var data []byte
	var err error
	if e.Pretty {
		data, err = json.MarshalIndent(records, "", "  ")
	} else {
		data, err = json.Marshal(records)
	}
	if err != nil {
		return evidence.NewExportError("json", 0, err)
	}

	if _, err := w.Write(data); err != nil {
		return evidence.NewExportError("json", 0, err)
	}
	return nil
}

// ExportStream writes records from a channel as one JSON array, one record
// at a time. It returns when the channel is closed or ctx is cancelled.
func (e *JSONExporter) ExportStream(ctx context.Context, recordsCh <-chan *evidence.Record, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return evidence.NewExportError("json", 0, err)
	}

	recordCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case record, ok := <-recordsCh:
			if !ok {
				closing := "]"
				if e.Pretty && recordCount > 0 {
					closing = "\n]"
				}
				if _, err := io.WriteString(w, closing); err != nil {
					return evidence.NewExportError("json", recordCount, err)
				}
				return nil
			}

			sep := ""
			if recordCount > 0 {
				sep = ","
			}
			if e.Pretty {
				sep += "\n  "
			}
			if _, err := io.WriteString(w, sep); err != nil {
				return evidence.NewExportError("json", recordCount, err)
			}

			data, err := e.serializeRecord(record)
			if err != nil {
				return evidence.NewExportError("json", recordCount, err)
			}
			if _, err := w.Write(data); err != nil {
				return evidence.NewExportError("json", recordCount, err)
			}
			recordCount++
		}
	}
}

// serializeRecord serializes a single evidence record to JSON.
func (e *JSONExporter) serializeRecord(record *evidence.Record) ([]byte, error) {
	if e.Pretty {
		return json.MarshalIndent(record, "  ", "  ")
	}
	return json.Marshal(record)
}
