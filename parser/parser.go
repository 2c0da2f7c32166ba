package parser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/shopspring/decimal"
)

// unavailableMarkers are lowercase fragments of availability texts meaning the
// item cannot be bought right now.
var unavailableMarkers = []string{
	"currently unavailable",
	"out of stock",
	"unavailable",
	"sold out",
	"rupture de stock",
	"non disponible",
	"épuisé",
}

// ValidateResult ensures the scraper captured a usable observation.
func ValidateResult(r models.FetchResult) error {
	if strings.TrimSpace(r.ProductID) == "" {
		return fmt.Errorf("result missing product id")
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("negative price %s for %s", r.Price, r.ProductID)
	}
	return nil
}

// NormalizePrice removes currency symbols, letters and whitespace, and turns
// the remaining digits into a dot-decimal string.
func NormalizePrice(price string) string {
	price = strings.ReplaceAll(price, "Â", "")
	var b strings.Builder
	for _, r := range price {
		if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".,")

	lastDot := strings.LastIndex(cleaned, ".")
	lastComma := strings.LastIndex(cleaned, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.299,99
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			// 1,299.99
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case lastComma >= 0:
		if len(cleaned)-lastComma-1 == 2 && strings.Count(cleaned, ",") == 1 {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	case strings.Count(cleaned, ".") > 1:
		// 1.299.000 style grouping
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}
	return cleaned
}

// ParsePrice converts scraped price text into a decimal.
func ParsePrice(text string) (decimal.Decimal, error) {
	normalized := NormalizePrice(text)
	if normalized == "" {
		return decimal.Zero, fmt.Errorf("no price in %q", strings.TrimSpace(text))
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", text, err)
	}
	return d, nil
}

// NormalizeAvailability trims spacing and lowercases the availability text.
func NormalizeAvailability(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// IsAvailable reports whether the availability text allows buying the item.
// Pages without an availability block are treated as available.
func IsAvailable(text string) bool {
	normalized := NormalizeAvailability(text)
	for _, marker := range unavailableMarkers {
		if strings.Contains(normalized, marker) {
			return false
		}
	}
	return true
}
