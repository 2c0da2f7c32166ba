// Package detector classifies a new price observation against the product's
// history. Everything here is pure: no clocks, no I/O.
package detector

import (
	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Settings are the thresholds in force for one owner.
type Settings struct {
	BigDiscountThresholdPct float64
	PriceErrorThresholdPct  float64
	// PriceErrorFloor is the price at or below which a drop is treated as a glitch.
	PriceErrorFloor decimal.Decimal
}

// DefaultSettings mirrors the tracker defaults.
func DefaultSettings() Settings {
	return Settings{
		BigDiscountThresholdPct: 40,
		PriceErrorThresholdPct:  80,
		PriceErrorFloor:         decimal.NewFromInt(1),
	}
}

// Result is the outcome of Classify.
type Result struct {
	Kind          models.AlertKind
	PreviousPrice decimal.Decimal
	NewPrice      decimal.Decimal
	DiscountPct   decimal.Decimal
}

// LastKnownPrice returns the most recent available, positive price in history
// (oldest first).
func LastKnownPrice(history []models.PriceObservation) (decimal.Decimal, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		obs := history[i]
		if obs.Available && obs.Price.IsPositive() {
			return obs.Price, true
		}
	}
	return decimal.Zero, false
}

// DiscountPct is (previous-current)/previous*100 rounded to two places.
func DiscountPct(previous, current decimal.Decimal) decimal.Decimal {
	if !previous.IsPositive() {
		return decimal.Zero
	}
	return previous.Sub(current).Div(previous).Mul(hundred).Round(2)
}

// Reference picks the price a new observation is measured against: the last
// available price in history, or stored when history holds none.
func Reference(history []models.PriceObservation, stored *decimal.Decimal) (decimal.Decimal, bool) {
	if previous, ok := LastKnownPrice(history); ok {
		return previous, true
	}
	if stored != nil && stored.IsPositive() {
		return *stored, true
	}
	return decimal.Zero, false
}

// Classify decides what newObs means for an owner with settings s, measured
// against the last known price in history.
func Classify(newObs models.PriceObservation, history []models.PriceObservation, s Settings) Result {
	previous, ok := LastKnownPrice(history)
	if !ok {
		return Result{Kind: models.KindNone, NewPrice: newObs.Price}
	}
	return ClassifyAgainst(newObs, previous, s)
}

// ClassifyAgainst classifies newObs relative to previous. A suspected price
// error wins over a big discount.
func ClassifyAgainst(newObs models.PriceObservation, previous decimal.Decimal, s Settings) Result {
	s = withDefaults(s)
	res := Result{Kind: models.KindNone, NewPrice: newObs.Price}
	if !previous.IsPositive() {
		return res
	}
	res.PreviousPrice = previous
	if !newObs.Available || !newObs.Price.LessThan(previous) {
		return res
	}

	res.DiscountPct = DiscountPct(previous, newObs.Price)
	switch {
	case res.DiscountPct.GreaterThanOrEqual(decimal.NewFromFloat(s.PriceErrorThresholdPct)),
		newObs.Price.LessThanOrEqual(s.PriceErrorFloor):
		res.Kind = models.KindPriceError
	case res.DiscountPct.GreaterThanOrEqual(decimal.NewFromFloat(s.BigDiscountThresholdPct)):
		res.Kind = models.KindBigDiscount
	default:
		res.Kind = models.KindPriceDrop
	}
	return res
}

func withDefaults(s Settings) Settings {
	d := DefaultSettings()
	if s.BigDiscountThresholdPct <= 0 {
		s.BigDiscountThresholdPct = d.BigDiscountThresholdPct
	}
	if s.PriceErrorThresholdPct <= 0 {
		s.PriceErrorThresholdPct = d.PriceErrorThresholdPct
	}
	if s.PriceErrorFloor.IsNegative() {
		s.PriceErrorFloor = decimal.Zero
	}
	return s
}
