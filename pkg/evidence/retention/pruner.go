package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mercator-hq/conductor/pkg/evidence"
	"mercator-hq/conductor/pkg/evidence/export"
)

// Config contains configuration for the retention pruner.
type Config struct {
	// RetentionDays is the number of days to retain evidence.
	// 0 means keep evidence forever (no age pruning).
	RetentionDays int

	// PruneSchedule is a cron expression for scheduling pruning.
	// Example: "0 3 * * *" (daily at 3 AM)
	PruneSchedule string

	// MaxRecords is the maximum number of records to keep per kind.
	// 0 means unlimited.
	MaxRecords int64

	// ArchiveBeforeDelete writes age-pruned records to a JSON file first.
	ArchiveBeforeDelete bool

	// ArchivePath is the directory to store archived evidence.
	ArchivePath string
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		RetentionDays: 90,
		PruneSchedule: "0 3 * * *",
		ArchivePath:   "data/archives/",
	}
}

// Result reports what one pruning pass removed.
type Result struct {
	ByAge      int64
	ByCount    int64
	Violations int64
}

// Total returns the number of evidence records and violations removed.
func (r Result) Total() int64 {
	return r.ByAge + r.ByCount + r.Violations
}

// Pruner enforces retention policies on evidence records and resolved
// violations. Open violations are never pruned.
type Pruner struct {
	storage   evidence.Storage
	config    Config
	logger    *slog.Logger
	now       func() time.Time
	scheduler *Scheduler
}

// NewPruner creates a new retention pruner. A nil logger uses slog.Default.
func NewPruner(storage evidence.Storage, config Config, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pruner{
		storage: storage,
		config:  config,
		logger:  logger.With("component", "evidence.retention"),
		now:     time.Now,
	}
	p.scheduler = NewScheduler(p)
	return p
}

// Prune deletes evidence older than the retention period and trims each
// record kind to MaxRecords, oldest first.
//
// Pruning happens in two phases:
//  1. Age-based: delete records and resolved violations older than RetentionDays
//  2. Count-based: for each kind over MaxRecords, delete the oldest
func (p *Pruner) Prune(ctx context.Context) (Result, error) {
	var res Result

	if p.config.RetentionDays > 0 {
		cutoff := p.now().AddDate(0, 0, -p.config.RetentionDays)

		deleted, err := p.pruneByAge(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune by age failed: %w", err)
		}
		res.ByAge = deleted

		violations, err := p.storage.DeleteResolvedViolations(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune violations failed: %w", evidence.NewRetentionError(p.config.RetentionDays, err))
		}
		res.Violations = violations

		p.logger.Info("pruned records by age",
			"deleted_count", deleted,
			"violations_deleted", violations,
			"retention_days", p.config.RetentionDays,
		)
	}

	if p.config.MaxRecords > 0 {
		for _, kind := range evidence.Kinds {
			deleted, err := p.pruneByCount(ctx, kind)
			if err != nil {
				return res, fmt.Errorf("prune %s by count failed: %w", kind, err)
			}
			res.ByCount += deleted
		}
	}

	if res.Total() == 0 {
		p.logger.Debug("no records pruned",
			"retention_days", p.config.RetentionDays,
			"max_records", p.config.MaxRecords,
		)
	} else {
		p.logger.Info("evidence pruning completed",
			"total_deleted", res.Total(),
			"retention_days", p.config.RetentionDays,
			"max_records", p.config.MaxRecords,
		)
	}

	return res, nil
}

// pruneByAge deletes records with a timestamp before cutoff.
func (p *Pruner) pruneByAge(ctx context.Context, cutoff time.Time) (int64, error) {
	// EndTime is inclusive; step back so a record exactly at cutoff stays.
	end := cutoff.Add(-time.Nanosecond)
	q := &evidence.Query{EndTime: &end}

	if p.config.ArchiveBeforeDelete {
		if err := p.archive(ctx, q); err != nil {
			return 0, evidence.NewRetentionError(p.config.RetentionDays, err)
		}
	}

	deleted, err := p.storage.Delete(ctx, q)
	if err != nil {
		return 0, evidence.NewRetentionError(p.config.RetentionDays, err)
	}
	return deleted, nil
}

// pruneByCount deletes the oldest records of kind beyond MaxRecords.
func (p *Pruner) pruneByCount(ctx context.Context, kind evidence.Kind) (int64, error) {
	count, err := p.storage.Count(ctx, &evidence.Query{Kind: kind})
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	if count <= p.config.MaxRecords {
		return 0, nil
	}

	// The newest record past the limit marks the cutoff.
	newestExcess, err := p.storage.Query(ctx, &evidence.Query{
		Kind:      kind,
		SortOrder: "desc",
		Offset:    int(p.config.MaxRecords),
		Limit:     1,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find cutoff: %w", err)
	}
	if len(newestExcess) == 0 {
		return 0, nil
	}
	cutoff := newestExcess[0].Timestamp

	p.logger.Info("record count exceeds limit, pruning oldest",
		"kind", kind,
		"current_count", count,
		"max_records", p.config.MaxRecords,
		"cutoff_time", cutoff,
	)

	deleted, err := p.storage.Delete(ctx, &evidence.Query{Kind: kind, EndTime: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return deleted, nil
}

// archivePageSize is how many records archive reads per query.
const archivePageSize = 1000

// archive exports every record matching q to a JSON file before deletion.
func (p *Pruner) archive(ctx context.Context, q *evidence.Query) error {
	if err := os.MkdirAll(p.config.ArchivePath, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	archiveFile := filepath.Join(p.config.ArchivePath,
		fmt.Sprintf("evidence-%s.json", p.now().Format("2006-01-02-150405")))
	f, err := os.Create(archiveFile)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recordsCh := make(chan *evidence.Record)
	errCh := make(chan error, 1)
	go func() {
		defer close(recordsCh)
		errCh <- p.page(ctx, q, recordsCh)
	}()

	// Compact output keeps payload bytes, and so record hashes, intact.
	if err := export.NewJSONExporter(false).ExportStream(ctx, recordsCh, f); err != nil {
		return fmt.Errorf("failed to export records to archive: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("failed to read records for archiving: %w", err)
	}

	p.logger.Info("evidence archived", "archive_file", archiveFile)
	return nil
}

// page sends every record matching q to out, oldest first.
func (p *Pruner) page(ctx context.Context, q *evidence.Query, out chan<- *evidence.Record) error {
	for offset := 0; ; offset += archivePageSize {
		pq := *q
		pq.SortOrder = "asc"
		pq.Limit = archivePageSize
		pq.Offset = offset

		records, err := p.storage.Query(ctx, &pq)
		if err != nil {
			return err
		}
		for _, r := range records {
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if len(records) < archivePageSize {
			return nil
		}
	}
}

// Start starts the automatic pruning scheduler.
func (p *Pruner) Start(ctx context.Context) error {
	return p.scheduler.Start(ctx)
}

// Stop stops the automatic pruning scheduler.
func (p *Pruner) Stop() {
	p.scheduler.Stop()
}

// NextPruning returns the time of the next scheduled pruning.
func (p *Pruner) NextPruning() *time.Time {
	return p.scheduler.NextRun()
}
