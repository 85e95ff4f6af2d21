package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// JSON is a free-form JSON document stored in a text column.
type JSON []byte

// NewJSON marshals v into a JSON value. Nil maps and empty input yield an empty value.
func NewJSON(v any) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" || string(b) == "{}" {
		return nil, nil
	}
	return JSON(b), nil
}

// GormDataType stores JSON as text on every dialect.
func (JSON) GormDataType() string {
	return "text"
}

// Scan implements sql.Scanner. Drivers hand text back as either string or []byte.
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = JSON(v)
		return nil
	default:
		return fmt.Errorf("failed to unmarshal JSON value: %v", value)
	}
}

// Value implements driver.Valuer
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("invalid JSON value")
	}
	return string(j), nil
}

// MarshalJSON implements the json.Marshaler interface
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return fmt.Errorf("JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// IsEmpty reports whether the document carries no fields.
func (j JSON) IsEmpty() bool {
	if len(j) == 0 {
		return true
	}
	r := gjson.ParseBytes(j)
	if !r.IsObject() {
		return true
	}
	empty := true
	r.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}

// String returns the string at path, or "" when absent or not a JSON document.
func (j JSON) String(path string) string {
	if len(j) == 0 {
		return ""
	}
	return gjson.GetBytes(j, path).String()
}

// PerformWrite executes a write transaction. SQLite connections go through
// cartridge's busy-retry wrapper; other dialects use a plain transaction.
func PerformWrite(logger *slog.Logger, dbConn *gorm.DB, f func(tx *gorm.DB) error) error {
	if dbConn.Dialector != nil && dbConn.Dialector.Name() != "sqlite" {
		return dbConn.Transaction(f)
	}
	return sqlite.PerformWrite(logger, dbConn, f)
}
