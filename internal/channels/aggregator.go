package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"workstats/internal/catalog"
	"workstats/internal/devices"
	"workstats/internal/logstore"
	"workstats/internal/models"
	"workstats/internal/pkg/async"
	"workstats/internal/timeframe"
)

// Options holds the funnel markers and fan-out limits.
type Options struct {
	ChannelPageType    string
	PaywallPageType    string
	CreationRefType    string
	PaywallURLParam    string
	TraceWorksAliases  []string
	PaidOrderStatus    string
	CurrencyExponent   int
	PreviewWorksID     string
	LookupChunkSize    int
	LookupConcurrency  int
	ChannelConcurrency int
}

// Result tallies one funnel run.
type Result struct {
	Day       string            `json:"day"`
	Channels  int               `json:"channels"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Rows      int               `json:"rows"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// Aggregator computes and upserts the funnel rows of every leaf channel.
type Aggregator struct {
	dbManager cartridge.DBManager
	logs      logstore.Querier
	queries   logstore.Queries
	cache     catalog.DeviceCache
	logger    *slog.Logger
	opts      Options

	Now func() time.Time
}

// NewAggregator creates an aggregator. cache may be nil.
func NewAggregator(dbManager cartridge.DBManager, logs logstore.Querier, queries logstore.Queries, cache catalog.DeviceCache, logger *slog.Logger, opts Options) *Aggregator {
	return &Aggregator{
		dbManager: dbManager,
		logs:      logs,
		queries:   queries,
		cache:     cache,
		logger:    logger,
		opts:      opts,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// dayIndex holds the datasets shared by every channel of one run.
type dayIndex struct {
	paywall      []PaywallHit
	orders       []AttributedOrder
	worksChannel map[string]string
	orderDevices map[string]devices.Class
}

// Run processes every leaf channel for day. Listing channels or building the
// shared paywall and order index is fatal; a single channel's failure is
// counted and the remaining channels continue.
func (a *Aggregator) Run(ctx context.Context, day timeframe.Day) (Result, error) {
	result := Result{Day: day.Date}
	db := a.dbManager.GetConnection()
	resolver := catalog.NewDeviceResolver(db, a.cache, a.logger, a.opts.LookupChunkSize, a.opts.LookupConcurrency)

	leaves, err := catalog.LeafChannels(ctx, db)
	if err != nil {
		return result, err
	}
	result.Channels = len(leaves)
	if len(leaves) == 0 {
		a.logger.Info("No leaf channels to aggregate", slog.String("day", day.Date))
		return result, nil
	}

	index, err := a.buildIndex(ctx, db, resolver, day)
	if err != nil {
		return result, err
	}

	tasks := make([]async.Task[int], 0, len(leaves))
	for _, ch := range leaves {
		tasks = append(tasks, async.Task[int]{
			Name: ch.ChannelID,
			Execute: func(ctx context.Context) (int, error) {
				return a.processChannel(ctx, db, resolver, index, ch.ChannelID, day)
			},
		})
	}

	results := async.NewPool[int](a.opts.ChannelConcurrency).Execute(ctx, tasks)

	var errs []error
	for _, ch := range leaves {
		r := results[ch.ChannelID]
		if r.Err != nil {
			result.Failed++
			if result.Failures == nil {
				result.Failures = map[string]string{}
			}
			result.Failures[ch.ChannelID] = r.Err.Error()
			a.logger.Error("Channel aggregation failed",
				slog.String("channel_id", ch.ChannelID),
				slog.String("day", day.Date),
				slog.Any("error", r.Err))
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.ChannelID, r.Err))
			continue
		}
		result.Succeeded++
		result.Rows += r.Data
	}

	a.logger.Info("Channel funnel aggregation completed",
		slog.String("day", day.Date),
		slog.Int("channels", result.Channels),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("rows", result.Rows))

	return result, errors.Join(errs...)
}

// buildIndex loads the paywall views and paid orders of the day, recovers
// their content ids and maps those contents to the channel they came from.
func (a *Aggregator) buildIndex(ctx context.Context, db *gorm.DB, resolver *catalog.DeviceResolver, day timeframe.Day) (*dayIndex, error) {
	rows, err := a.logs.Query(ctx, day.Start, day.End, a.queries.PaywallViews, a.opts.PaywallPageType)
	if err != nil {
		return nil, fmt.Errorf("failed to query paywall views: %w", err)
	}
	paywall := ParsePaywallHits(rows, a.opts.PaywallURLParam, a.opts.PreviewWorksID)

	paid, err := catalog.PaidOrders(ctx, db, a.opts.PaidOrderStatus, day)
	if err != nil {
		return nil, err
	}
	orders := AttributeOrders(paid, a.opts.TraceWorksAliases, a.opts.PreviewWorksID)

	a.logger.Debug("Funnel index loaded",
		slog.String("day", day.Date),
		slog.Int("paywall_rows", len(rows)),
		slog.Int("paywall_attributed", len(paywall)),
		slog.Int("orders", len(paid)),
		slog.Int("orders_attributed", len(orders)))

	worksIDs := make([]string, 0, len(paywall)+len(orders))
	for _, h := range paywall {
		worksIDs = append(worksIDs, h.WorksID)
	}
	userIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		worksIDs = append(worksIDs, o.WorksID)
		userIDs = append(userIDs, o.UserID)
	}

	works, err := catalog.WorksByIDs(ctx, db, worksIDs, a.opts.LookupChunkSize, a.opts.LookupConcurrency)
	if err != nil {
		return nil, err
	}
	worksChannel := make(map[string]string, len(works))
	for id, w := range works {
		if w.RefType == a.opts.CreationRefType && w.RefID != "" {
			worksChannel[id] = w.RefID
		}
	}

	orderDevices, err := resolver.Resolve(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order devices: %w", err)
	}

	return &dayIndex{
		paywall:      paywall,
		orders:       orders,
		worksChannel: worksChannel,
		orderDevices: orderDevices,
	}, nil
}

func (a *Aggregator) processChannel(ctx context.Context, db *gorm.DB, resolver *catalog.DeviceResolver, index *dayIndex, channelID string, day timeframe.Day) (int, error) {
	views, err := a.logs.Query(ctx, day.Start, day.End, a.queries.ChannelViews, channelID, a.opts.ChannelPageType)
	if err != nil {
		return 0, fmt.Errorf("view query: %w", err)
	}
	clicks, err := a.logs.Query(ctx, day.Start, day.End, a.queries.ChannelClicks, channelID, a.opts.ChannelPageType)
	if err != nil {
		return 0, fmt.Errorf("click query: %w", err)
	}

	created, err := catalog.CreatedWorks(ctx, db, a.opts.CreationRefType, channelID, day)
	if err != nil {
		return 0, err
	}
	creators := make([]string, 0, len(created))
	for _, w := range created {
		creators = append(creators, w.UserID)
	}
	creatorDevices, err := resolver.Resolve(ctx, creators)
	if err != nil {
		return 0, fmt.Errorf("creator devices: %w", err)
	}

	metrics := Metrics{
		View:      CountHits(EventHits(views)),
		Click:     CountHits(EventHits(clicks)),
		Creation:  CountHits(CreationHits(created, creatorDevices, a.opts.PreviewWorksID)),
		Intercept: CountHits(InterceptHits(index.paywall, index.worksChannel, channelID)),
		Orders:    CountOrders(index.orders, index.worksChannel, channelID, index.orderDevices),
	}
	rows := metrics.Rows(channelID, day.Date, a.opts.CurrencyExponent, a.Now())

	err = models.PerformWrite(a.logger, db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "day"}, {Name: "device"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).Create(&rows).Error
	})
	if err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}

	a.logger.Debug("Channel aggregated",
		slog.String("channel_id", channelID),
		slog.String("day", day.Date),
		slog.Any("devices", deviceNames(rows)))

	return len(rows), nil
}

func deviceNames(rows []ChannelStat) []string {
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Device)
	}
	slices.Sort(names)
	return names
}
