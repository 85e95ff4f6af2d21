package logstore

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"workstats/internal/config"
)

// ClickHouse is the log query service backed by a ClickHouse behavior log table.
type ClickHouse struct {
	conn         clickhouse.Conn
	logger       *slog.Logger
	queryTimeout time.Duration
}

// NewClickHouse opens a native-protocol connection and verifies it with a ping.
func NewClickHouse(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ClickHouse, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouseAddr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: cfg.AppName, Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: time.Duration(cfg.ClickHouseDialTimeout) * time.Second,
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse log store",
		slog.String("addr", cfg.ClickHouseAddr),
		slog.String("database", cfg.ClickHouseDatabase))

	return &ClickHouse{
		conn:         conn,
		logger:       logger,
		queryTimeout: time.Duration(cfg.ClickHouseQueryTimeout) * time.Second,
	}, nil
}

// Query runs query with from and to bound ahead of args and scans every
// column into a Row keyed by column name.
func (c *ClickHouse) Query(ctx context.Context, from, to time.Time, query string, args ...any) ([]Row, error) {
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	params := append([]any{from.UTC(), to.UTC()}, args...)
	rows, err := c.conn.Query(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("log query failed: %w", err)
	}
	defer rows.Close()

	columns := rows.ColumnTypes()
	var result []Row
	for rows.Next() {
		dest := make([]any, len(columns))
		for i, col := range columns {
			dest[i] = reflect.New(col.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col.Name()] = reflect.ValueOf(dest[i]).Elem().Interface()
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}

	c.logger.Debug("Log query completed",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("rows", len(result)))

	return result, nil
}

// Ping checks the connection.
func (c *ClickHouse) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the connection.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
