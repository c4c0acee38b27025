// Package query validates evidence and violation queries before they reach
// a storage backend.
//
// The validator checks:
//
//   - Limit >= 0 and <= MaxLimit
//   - Offset >= 0
//   - Kind is a known record kind
//   - Sort order is "asc" or "desc"
//   - Time range is ordered (start <= end)
//   - Severity and category are known values
//
// # Basic Usage
//
//	q := &evidence.Query{Kind: evidence.KindAudit, CorrelationID: id}
//	if err := query.Validate(q); err != nil {
//	    return err
//	}
//	query.ApplyDefaults(q)
//	records, err := store.Query(ctx, q)
package query
