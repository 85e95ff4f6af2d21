package catalog

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"workstats/internal/models"
	"workstats/internal/pkg/async"
	"workstats/internal/timeframe"
)

// LeafChannels returns every leaf channel ordered by id.
func LeafChannels(ctx context.Context, db *gorm.DB) ([]Channel, error) {
	var channels []Channel
	err := db.WithContext(ctx).
		Where("level = ?", LeafLevel).
		Order("channel_id").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list leaf channels: %w", err)
	}
	return channels, nil
}

// CreatedWorks returns works created within day that reference channelID.
func CreatedWorks(ctx context.Context, db *gorm.DB, refType, channelID string, day timeframe.Day) ([]Works, error) {
	var works []Works
	err := db.WithContext(ctx).
		Where("ref_type = ? AND ref_id = ?", refType, channelID).
		Where("created_at BETWEEN ? AND ?", day.Start.UTC(), day.End.UTC()).
		Find(&works).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query created works for channel %s: %w", channelID, err)
	}
	return works, nil
}

// WorksByIDs loads works keyed by works id, reading chunkSize ids per round
// trip with at most concurrency round trips in flight.
func WorksByIDs(ctx context.Context, db *gorm.DB, ids []string, chunkSize, concurrency int) (map[string]Works, error) {
	var (
		mu     sync.Mutex
		result = make(map[string]Works, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, chunk := range async.Chunk(async.Unique(ids), chunkSize) {
		g.Go(func() error {
			var works []Works
			if err := db.WithContext(gctx).Where("works_id IN ?", chunk).Find(&works).Error; err != nil {
				return fmt.Errorf("failed to load works: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, w := range works {
				result[w.WorksID] = w
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// PaidOrder is an order paid within the queried day joined to its trace.
type PaidOrder struct {
	OrderNo string
	UserID  string
	Amount  int64
	Trace   models.JSON
}

// PaidOrders returns orders in status paid with paid_at inside day. Orders
// without an extras row come back with an empty trace.
func PaidOrders(ctx context.Context, db *gorm.DB, status string, day timeframe.Day) ([]PaidOrder, error) {
	var orders []PaidOrder
	err := db.WithContext(ctx).
		Table("orders").
		Select("orders.order_no, orders.user_id, orders.amount, order_extras.trace").
		Joins("LEFT JOIN order_extras ON order_extras.order_no = orders.order_no").
		Where("orders.status = ?", status).
		Where("orders.paid_at BETWEEN ? AND ?", day.Start.UTC(), day.End.UTC()).
		Order("orders.order_no").
		Scan(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query paid orders: %w", err)
	}
	return orders, nil
}

// Registration is the earliest registration of a user.
type Registration struct {
	UserID    string
	Device    string
	UserAgent string
}

// FirstRegistrations returns the earliest registration per user id. Users
// without a registration are absent from the result.
func FirstRegistrations(ctx context.Context, db *gorm.DB, userIDs []string, chunkSize, concurrency int) (map[string]Registration, error) {
	var (
		mu     sync.Mutex
		result = make(map[string]Registration, len(userIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, chunk := range async.Chunk(async.Unique(userIDs), chunkSize) {
		g.Go(func() error {
			var rows []UserRegistration
			err := db.WithContext(gctx).
				Where("user_id IN ?", chunk).
				Order("created_at, id").
				Find(&rows).Error
			if err != nil {
				return fmt.Errorf("failed to load user registrations: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range rows {
				if _, seen := result[r.UserID]; !seen {
					result[r.UserID] = Registration{UserID: r.UserID, Device: r.Device, UserAgent: r.UserAgent}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
