package catalog

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"workstats/internal/devices"
	"workstats/internal/pkg/async"
)

// DeviceCache stores resolved user device classes between runs.
type DeviceCache interface {
	GetMany(ctx context.Context, userIDs []string) (map[string]devices.Class, error)
	SetMany(ctx context.Context, classes map[string]devices.Class) error
}

// DeviceResolver maps user ids to the device class of their first registration.
type DeviceResolver struct {
	db          *gorm.DB
	cache       DeviceCache
	logger      *slog.Logger
	chunkSize   int
	concurrency int
}

// NewDeviceResolver creates a resolver. cache may be nil.
func NewDeviceResolver(db *gorm.DB, cache DeviceCache, logger *slog.Logger, chunkSize, concurrency int) *DeviceResolver {
	return &DeviceResolver{
		db:          db,
		cache:       cache,
		logger:      logger,
		chunkSize:   chunkSize,
		concurrency: concurrency,
	}
}

// Resolve returns a class for every given user id. Users without a
// registration resolve to devices.Other. Cache errors fall back to the store.
func (r *DeviceResolver) Resolve(ctx context.Context, userIDs []string) (map[string]devices.Class, error) {
	ids := async.Unique(userIDs)
	result := make(map[string]devices.Class, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	missing := ids
	if r.cache != nil {
		cached, err := r.cache.GetMany(ctx, ids)
		if err != nil {
			r.logger.Warn("Device cache read failed, reading registrations",
				slog.Any("error", err))
		} else {
			missing = missing[:0:0]
			for _, id := range ids {
				if class, ok := cached[id]; ok {
					result[id] = class
				} else {
					missing = append(missing, id)
				}
			}
		}
	}

	if len(missing) == 0 {
		return result, nil
	}

	registrations, err := FirstRegistrations(ctx, r.db, missing, r.chunkSize, r.concurrency)
	if err != nil {
		return nil, err
	}

	found := make(map[string]devices.Class, len(registrations))
	for _, id := range missing {
		reg, ok := registrations[id]
		if !ok {
			result[id] = devices.Other
			continue
		}
		class := devices.Resolve(reg.Device, reg.UserAgent)
		result[id] = class
		found[id] = class
	}

	if r.cache != nil && len(found) > 0 {
		if err := r.cache.SetMany(ctx, found); err != nil {
			r.logger.Warn("Device cache write failed", slog.Any("error", err))
		}
	}

	return result, nil
}
