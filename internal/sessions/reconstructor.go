package sessions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/karloscodes/cartridge"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"workstats/internal/logstore"
	"workstats/internal/models"
	"workstats/internal/pkg/async"
	"workstats/internal/timeframe"
)

// Options tunes a reconstruction run.
type Options struct {
	PreviewWorksID    string
	LookupChunkSize   int
	WriteBatchSize    int
	LookupConcurrency int
}

// Result tallies one run.
type Result struct {
	Fetched       int `json:"fetched"`
	Rejected      int `json:"rejected"`
	Candidates    int `json:"candidates"`
	Skipped       int `json:"skipped"`
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
}

// Reconstructor merges log windows into the session store.
type Reconstructor struct {
	dbManager cartridge.DBManager
	logs      logstore.Querier
	query     string
	logger    *slog.Logger
	opts      Options
	locator   Locator

	// Now stamps created_at and updated_at.
	Now func() time.Time
}

// NewReconstructor creates a reconstructor. locator may be nil.
func NewReconstructor(dbManager cartridge.DBManager, logs logstore.Querier, queries logstore.Queries, logger *slog.Logger, opts Options, locator Locator) *Reconstructor {
	return &Reconstructor{
		dbManager: dbManager,
		logs:      logs,
		query:     queries.Sessions,
		logger:    logger,
		opts:      opts,
		locator:   locator,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run merges every session observed in window. A failed log query or lookup
// aborts the window; failed write batches are reported after all batches ran.
func (r *Reconstructor) Run(ctx context.Context, window timeframe.Window) (Result, error) {
	var result Result

	rows, err := r.logs.Query(ctx, window.From, window.To, r.query)
	if err != nil {
		return result, fmt.Errorf("failed to query session events: %w", err)
	}
	result.Fetched = len(rows)

	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		c, ok := ParseRow(row, r.opts.PreviewWorksID, r.locator)
		if !ok {
			result.Rejected++
			continue
		}
		candidates = append(candidates, c)
	}
	candidates = Dedupe(candidates)
	result.Candidates = len(candidates)

	if result.Rejected > 0 {
		r.logger.Debug("Skipped malformed session rows", slog.Int("count", result.Rejected))
	}
	if len(candidates) == 0 {
		r.logger.Info("No sessions in window",
			slog.Time("from", window.From),
			slog.Time("to", window.To),
			slog.Int("fetched", result.Fetched))
		return result, nil
	}

	db := r.dbManager.GetConnection()
	existing, err := r.loadExisting(ctx, db, candidates)
	if err != nil {
		return result, err
	}

	plan := PlanMerge(candidates, existing, r.Now())
	result.Skipped = plan.Skipped

	var errs []error
	for i, batch := range async.Chunk(plan.Creates, r.opts.WriteBatchSize) {
		result.Batches++
		created, err := r.createBatch(ctx, db, batch)
		if err != nil {
			result.FailedBatches++
			r.logger.Error("Failed to create session batch",
				slog.Int("batch", i),
				slog.Int("size", len(batch)),
				slog.String("first_session_id", batch[0].SessionID),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("create batch %d: %w", i, err))
			continue
		}
		result.Created += created
	}

	for i, batch := range async.Chunk(plan.Updates, r.opts.WriteBatchSize) {
		result.Batches++
		updated, err := r.updateBatch(ctx, db, batch)
		if err != nil {
			result.FailedBatches++
			r.logger.Error("Failed to update session batch",
				slog.Int("batch", i),
				slog.Int("size", len(batch)),
				slog.Uint64("first_id", uint64(batch[0].ID)),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("update batch %d: %w", i, err))
			continue
		}
		result.Updated += updated
	}

	r.logger.Info("Session reconstruction completed",
		slog.Time("from", window.From),
		slog.Time("to", window.To),
		slog.Int("fetched", result.Fetched),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed_batches", result.FailedBatches))

	return result, errors.Join(errs...)
}

// loadExisting reads stored sessions for the candidates' session ids in chunks.
func (r *Reconstructor) loadExisting(ctx context.Context, db *gorm.DB, candidates []Candidate) (map[Key]Session, error) {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.SessionID)
	}

	var (
		mu       sync.Mutex
		existing = make(map[Key]Session, len(candidates))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.LookupConcurrency)
	for _, chunk := range async.Chunk(async.Unique(ids), r.opts.LookupChunkSize) {
		g.Go(func() error {
			var found []Session
			if err := db.WithContext(gctx).Where("session_id IN ?", chunk).Find(&found).Error; err != nil {
				return fmt.Errorf("failed to load existing sessions: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range found {
				existing[s.Key()] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return existing, nil
}

func (r *Reconstructor) createBatch(ctx context.Context, db *gorm.DB, batch []Session) (int, error) {
	var created int
	err := models.PerformWrite(r.logger, db.WithContext(ctx), func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "works_id"}},
			DoNothing: true,
		}).Create(&batch)
		if res.Error != nil {
			return res.Error
		}
		created = int(res.RowsAffected)
		return nil
	})
	return created, err
}

func (r *Reconstructor) updateBatch(ctx context.Context, db *gorm.DB, batch []Update) (int, error) {
	now := r.Now()
	var updated int
	err := models.PerformWrite(r.logger, db.WithContext(ctx), func(tx *gorm.DB) error {
		updated = 0
		for _, u := range batch {
			values := map[string]any{
				"end_time":   u.EndTime,
				"updated_at": now,
			}
			if u.VisitorID != "" {
				values["visitor_id"] = u.VisitorID
			}
			if !u.Meta.IsEmpty() {
				values["meta"] = u.Meta
			}

			res := tx.Model(&Session{}).
				Where("id = ? AND end_time < ?", u.ID, u.EndTime).
				Updates(values)
			if res.Error != nil {
				return res.Error
			}
			updated += int(res.RowsAffected)
		}
		return nil
	})
	return updated, err
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.SessionID, b.SessionID); c != 0 {
			return c
		}
		return cmp.Compare(a.WorksID, b.WorksID)
	})
}
