// Package catalog reads the reference tables owned by other services:
// channels, works, orders and user registrations.
package catalog

import (
	"time"

	"workstats/internal/models"
)

// LeafLevel is the taxonomy depth of channels that receive funnel rows.
const LeafLevel = 3

type Channel struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID string `gorm:"column:channel_id;uniqueIndex;not null"`
	ParentID  string `gorm:"column:parent_id;index"`
	Name      string
	Level     int `gorm:"index"`
}

func (Channel) TableName() string { return "channels" }

// Works is a content record. RefType/RefID name what the work was created
// from, e.g. a channel listing.
type Works struct {
	ID        uint   `gorm:"primaryKey"`
	WorksID   string `gorm:"column:works_id;uniqueIndex;not null"`
	UserID    string `gorm:"column:user_id;index"`
	RefType   string `gorm:"column:ref_type;index:idx_works_ref"`
	RefID     string `gorm:"column:ref_id;index:idx_works_ref"`
	Meta      models.JSON
	CreatedAt time.Time `gorm:"index"`
}

func (Works) TableName() string { return "works" }

// Order is a ledger entry. Amount is in the minor currency unit.
type Order struct {
	ID      uint   `gorm:"primaryKey"`
	OrderNo string `gorm:"column:order_no;uniqueIndex;not null"`
	UserID  string `gorm:"column:user_id;index"`
	Status  string `gorm:"index"`
	Amount  int64
	PaidAt  *time.Time `gorm:"index"`
}

func (Order) TableName() string { return "orders" }

// OrderExtra carries the free-form trace recorded at checkout.
type OrderExtra struct {
	ID      uint   `gorm:"primaryKey"`
	OrderNo string `gorm:"column:order_no;index;not null"`
	Trace   models.JSON
}

func (OrderExtra) TableName() string { return "order_extras" }

// UserRegistration records where a user signed up from. A user may have
// several rows; the earliest one is authoritative.
type UserRegistration struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"column:user_id;index;not null"`
	Device    string
	UserAgent string
	CreatedAt time.Time
}

func (UserRegistration) TableName() string { return "user_registrations" }

// Models lists the reference tables, for test databases only.
func Models() []any {
	return []any{
		&Channel{},
		&Works{},
		&Order{},
		&OrderExtra{},
		&UserRegistration{},
	}
}
