// Package seeder fills a development database with a small channel tree,
// users, content, paid orders and reconstructed sessions, so the batch jobs
// have something to aggregate without a production log store.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"workstats/internal/catalog"
	"workstats/internal/devices"
	"workstats/internal/models"
	"workstats/internal/sessions"
	"workstats/internal/timeframe"
)

const rootChannelID = "seed-root"

// Options controls the generated volume. Through is the last seeded day.
type Options struct {
	Through         timeframe.Day
	Days            int
	Users           int
	WorksPerChannel int
	SessionsPerDay  int
	CreationRefType string
	PaidOrderStatus string
	TraceAlias      string
	PreviewWorksID  string
	Seed            uint64
}

// Result counts the rows written.
type Result struct {
	Skipped       bool
	Channels      int
	Users         int
	Works         int
	Orders        int
	Sessions      int
	PreviewVisits int
}

// Seeder handles the data seeding process
type Seeder struct {
	DBManager cartridge.DBManager
	Logger    *slog.Logger
	opts      Options
	rng       *rand.Rand
}

// NewSeeder creates a new seeder instance
func NewSeeder(dbManager cartridge.DBManager, logger *slog.Logger, opts Options) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Seeder{
		DBManager: dbManager,
		Logger:    logger,
		opts:      opts,
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed)),
	}
}

// userAgents pairs a registration device with a user agent that classifies
// to it, plus a few rows where only the user agent is known.
var userAgents = []struct {
	device string
	ua     string
}{
	{"web", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
	{"ios", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"},
	{"android", "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"},
	{"wap", ""},
	{"", "Mozilla/5.0 (Linux; Android 13; SM-S911B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Mobile Safari/537.36"},
	{"", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"},
}

var regions = []string{"Beijing", "Shanghai", "Guangdong", "Zhejiang", "California", ""}

// Run migrates the reference tables and seeds them. A database that already
// holds the seed channel tree is left untouched.
func (s *Seeder) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var result Result

	if s.opts.Days <= 0 || s.opts.Users <= 0 {
		return result, errors.New("days and users must be positive")
	}

	db := s.DBManager.GetConnection()
	if err := db.AutoMigrate(catalog.Models()...); err != nil {
		return result, fmt.Errorf("failed to migrate reference tables: %w", err)
	}

	var existing int64
	if err := db.WithContext(ctx).Model(&catalog.Channel{}).Where("channel_id = ?", rootChannelID).Count(&existing).Error; err != nil {
		return result, err
	}
	if existing > 0 {
		s.Logger.Info("Seed data already present, skipping")
		result.Skipped = true
		return result, nil
	}

	s.Logger.Info("Starting database seeding...",
		slog.String("through", s.opts.Through.Date),
		slog.Int("days", s.opts.Days),
		slog.Int("users", s.opts.Users))

	leaves, channelRows := s.channelTree()
	userIDs, registrations := s.users()
	days := s.days()
	works, orders, extras := s.content(leaves, userIDs, days)
	visits, previewVisits := s.sessions(works, userIDs, days)

	err := models.PerformWrite(s.Logger, db, func(tx *gorm.DB) error {
		tx = tx.WithContext(ctx)
		return errors.Join(
			create(tx, channelRows),
			create(tx, registrations),
			create(tx, works),
			create(tx, orders),
			create(tx, extras),
			create(tx, visits),
		)
	})
	if err != nil {
		return result, fmt.Errorf("failed to write seed data: %w", err)
	}

	result = Result{
		Channels:      len(channelRows),
		Users:         len(userIDs),
		Works:         len(works),
		Orders:        len(orders),
		Sessions:      len(visits),
		PreviewVisits: previewVisits,
	}
	s.Logger.Info("Seeding completed successfully",
		slog.Int("channels", result.Channels),
		slog.Int("works", result.Works),
		slog.Int("orders", result.Orders),
		slog.Int("sessions", result.Sessions),
		slog.Duration("elapsed", time.Since(start)))
	return result, nil
}

func create[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 200).Error
}

// channelTree builds one root, two sections and two leaves per section.
func (s *Seeder) channelTree() ([]string, []catalog.Channel) {
	rows := []catalog.Channel{{ChannelID: rootChannelID, Name: "All", Level: 1}}
	var leaves []string
	for i := 1; i <= 2; i++ {
		section := fmt.Sprintf("seed-s%d", i)
		rows = append(rows, catalog.Channel{ChannelID: section, ParentID: rootChannelID, Name: fmt.Sprintf("Section %d", i), Level: 2})
		for j := 1; j <= 2; j++ {
			leaf := fmt.Sprintf("seed-s%d-c%d", i, j)
			rows = append(rows, catalog.Channel{ChannelID: leaf, ParentID: section, Name: fmt.Sprintf("Channel %d.%d", i, j), Level: catalog.LeafLevel})
			leaves = append(leaves, leaf)
		}
	}
	return leaves, rows
}

func (s *Seeder) users() ([]string, []catalog.UserRegistration) {
	first := s.opts.Through.Start.AddDate(0, 0, -s.opts.Days-30)
	ids := make([]string, 0, s.opts.Users)
	rows := make([]catalog.UserRegistration, 0, s.opts.Users)
	for i := 0; i < s.opts.Users; i++ {
		id := fmt.Sprintf("seed-u%04d", i)
		agent := userAgents[s.rng.IntN(len(userAgents))]
		ids = append(ids, id)
		rows = append(rows, catalog.UserRegistration{
			UserID:    id,
			Device:    agent.device,
			UserAgent: agent.ua,
			CreatedAt: first.Add(time.Duration(s.rng.IntN(24*30)) * time.Hour).UTC(),
		})
	}
	return ids, rows
}

// days lists the seeded days, oldest first.
func (s *Seeder) days() []timeframe.Day {
	loc := s.opts.Through.Start.Location()
	days := make([]timeframe.Day, 0, s.opts.Days)
	for i := s.opts.Days - 1; i >= 0; i-- {
		days = append(days, timeframe.DayOf(s.opts.Through.Start.AddDate(0, 0, -i), loc))
	}
	return days
}

func (s *Seeder) within(day timeframe.Day) time.Time {
	return day.Start.Add(time.Duration(s.rng.IntN(24*60*60)) * time.Second).UTC()
}

// content creates works from channel listings and pays for roughly one in
// four of them, tracing the order back to the work it unlocked.
func (s *Seeder) content(leaves, userIDs []string, days []timeframe.Day) ([]catalog.Works, []catalog.Order, []catalog.OrderExtra) {
	var works []catalog.Works
	var orders []catalog.Order
	var extras []catalog.OrderExtra

	n := 0
	for _, leaf := range leaves {
		for i := 0; i < s.opts.WorksPerChannel; i++ {
			day := days[s.rng.IntN(len(days))]
			user := userIDs[s.rng.IntN(len(userIDs))]
			id := fmt.Sprintf("seed-w%05d", n)
			n++

			meta, _ := models.NewJSON(map[string]string{"title": fmt.Sprintf("Work %d", n)})
			works = append(works, catalog.Works{
				WorksID:   id,
				UserID:    user,
				RefType:   s.opts.CreationRefType,
				RefID:     leaf,
				Meta:      meta,
				CreatedAt: s.within(day),
			})

			if s.rng.IntN(4) != 0 {
				continue
			}
			orderNo := fmt.Sprintf("seed-o%05d", len(orders))
			paidAt := s.within(day)
			orders = append(orders, catalog.Order{
				OrderNo: orderNo,
				UserID:  user,
				Status:  s.opts.PaidOrderStatus,
				Amount:  int64(990 + 1000*s.rng.IntN(5)),
				PaidAt:  &paidAt,
			})
			trace, _ := models.NewJSON(map[string]string{s.opts.TraceAlias: id})
			extras = append(extras, catalog.OrderExtra{OrderNo: orderNo, Trace: trace})
		}
	}
	return works, orders, extras
}

// sessions spreads visits over the seeded days, including a few on the
// preview content that the aggregators must ignore.
func (s *Seeder) sessions(works []catalog.Works, userIDs []string, days []timeframe.Day) ([]sessions.Session, int) {
	var out []sessions.Session
	preview := 0
	n := 0
	for _, day := range days {
		for i := 0; i < s.opts.SessionsPerDay; i++ {
			worksID := s.opts.PreviewWorksID
			if len(works) > 0 && s.rng.IntN(20) != 0 {
				worksID = works[s.rng.IntN(len(works))].WorksID
			} else {
				preview++
			}

			meta := map[string]string{}
			if region := regions[s.rng.IntN(len(regions))]; region != "" {
				meta["region"] = region
			}
			agent := userAgents[s.rng.IntN(len(userAgents))]
			if agent.ua != "" {
				meta["user_agent"] = agent.ua
			}
			if agent.device != "" {
				meta["device"] = string(devices.Normalize(agent.device))
			}
			metaJSON, _ := models.NewJSON(meta)

			start := s.within(day)
			out = append(out, sessions.Session{
				SessionID: fmt.Sprintf("seed-sess%06d", n),
				WorksID:   worksID,
				VisitorID: userIDs[s.rng.IntN(len(userIDs))],
				StartTime: start,
				EndTime:   start.Add(time.Duration(5+s.rng.IntN(600)) * time.Second),
				Meta:      metaJSON,
			})
			n++
		}
	}
	return out, preview
}
