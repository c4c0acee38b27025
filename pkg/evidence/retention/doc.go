// Package retention prunes evidence records and resolved violations.
//
//   - Age: records and resolved violations older than RetentionDays
//   - Count: each record kind trimmed to MaxRecords, oldest first
//   - Schedule: a cron expression, daily at 3 AM by default
//   - Optional JSON archive of age-pruned records before deletion
//
// Open violations are never pruned.
//
// # Basic Usage
//
//	pruner := retention.NewPruner(store, retention.Config{
//	    RetentionDays: 90,
//	    PruneSchedule: "0 3 * * *",
//	}, logger)
//	if err := pruner.Start(ctx); err != nil {
//	    return err
//	}
//	defer pruner.Stop()
package retention
