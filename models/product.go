// Package models defines the data structures shared by the tracker components.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a tracked marketplace item. ID is the marketplace SKU/ASIN and is
// unique across the tracked set.
type Product struct {
	ID                    string           `json:"id"`
	OwnerUserIDs          []string         `json:"owner_user_ids"`
	URL                   string           `json:"url"`
	CreatedAt             time.Time        `json:"created_at"`
	LastCheckedAt         *time.Time       `json:"last_checked_at,omitempty"`
	LastKnownPrice        *decimal.Decimal `json:"last_known_price,omitempty"`
	LastKnownAvailability *bool            `json:"last_known_availability,omitempty"`
	Active                bool             `json:"active"`
	NotFoundCount         int              `json:"not_found_count"`
}

// Source tells whether an observation came from the network or the fetch cache.
type Source string

const (
	SourceLive   Source = "live"
	SourceCached Source = "cached"
)

// PriceObservation is one append-only entry of a product's price history.
type PriceObservation struct {
	ProductID  string          `csv:"product_id" json:"product_id"`
	Price      decimal.Decimal `csv:"price" json:"price"`
	Available  bool            `csv:"available" json:"available"`
	ObservedAt time.Time       `csv:"observed_at" json:"observed_at"`
	Source     Source          `csv:"source" json:"source"`
}

// UserSettings holds the per-user knobs read by the change detector.
type UserSettings struct {
	UserID                  string  `json:"user_id"`
	BigDiscountThresholdPct float64 `json:"big_discount_threshold_pct"`
	NotificationsEnabled    bool    `json:"notifications_enabled"`
}

// Stats is the aggregate view returned by storage.
type Stats struct {
	Products         int             `json:"products"`
	ActiveProducts   int             `json:"active_products"`
	Users            int             `json:"users"`
	Observations     int             `json:"observations"`
	BigDiscounts7d   int             `json:"big_discounts_7d"`
	PriceErrors7d    int             `json:"price_errors_7d"`
	AverageLastPrice decimal.Decimal `json:"average_last_price"`
}

// Trend summarises a product's price history over a window.
type Trend struct {
	ProductID    string          `json:"product_id"`
	Days         int             `json:"days"`
	Observations int             `json:"observations"`
	Min          decimal.Decimal `json:"min"`
	Max          decimal.Decimal `json:"max"`
	Average      decimal.Decimal `json:"average"`
	Latest       decimal.Decimal `json:"latest"`
	LatestAt     time.Time       `json:"latest_at"`
}
