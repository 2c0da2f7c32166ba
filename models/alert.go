package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind is the classification that produced an alert.
type AlertKind string

const (
	KindNone        AlertKind = "none"
	KindPriceDrop   AlertKind = "price_drop"
	KindBigDiscount AlertKind = "big_discount"
	KindPriceError  AlertKind = "price_error"
	// KindCheckFailed is the one-off notice sent when a product can no longer be checked.
	KindCheckFailed AlertKind = "check_failed"
)

// Notable reports whether the kind should reach a user.
func (k AlertKind) Notable() bool {
	return k != "" && k != KindNone
}

// Alert is created by the change detector and handed to the notifier once.
type Alert struct {
	ProductID     string          `json:"product_id"`
	UserID        string          `json:"user_id"`
	Kind          AlertKind       `json:"kind"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	DiscountPct   decimal.Decimal `json:"discount_pct"`
	TriggeredAt   time.Time       `json:"triggered_at"`
}

// AlertPayload is the value delivered to a notifier.
type AlertPayload struct {
	Alert
	URL       string `json:"url"`
	Available bool   `json:"available"`
}
