// Package export writes evidence records as JSON or CSV, either from a
// slice or streamed from a storage query.
//
//   - JSON: an array of records, optionally pretty-printed
//   - CSV: one row per record with a fixed column set; the payload column
//     holds the record's JSON payload
//
// # Basic Usage
//
//	recordsCh, errCh, err := store.QueryStream(ctx, q)
//	if err != nil {
//	    return err
//	}
//	if err := export.NewCSVExporter(true).ExportStream(ctx, recordsCh, os.Stdout); err != nil {
//	    return err
//	}
//	return <-errCh
package export
