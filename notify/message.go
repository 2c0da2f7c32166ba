// Package notify renders alerts and delivers them over simple channels.
package notify

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/go-price-tracker/models"
)

// FormatMessage renders a payload as a short human readable message.
func FormatMessage(p models.AlertPayload) string {
	var b strings.Builder
	switch p.Kind {
	case models.KindPriceError:
		b.WriteString("Possible price error (verify before buying)\n")
		fmt.Fprintf(&b, "Product: %s\n", p.ProductID)
		fmt.Fprintf(&b, "Price: %s, was %s (-%s%%)\n", money(p.NewPrice.StringFixed(2)), money(p.PreviousPrice.StringFixed(2)), p.DiscountPct.StringFixed(1))
		b.WriteString("This drop looks abnormal and may be a listing glitch.\n")
	case models.KindBigDiscount:
		b.WriteString("Big discount\n")
		fmt.Fprintf(&b, "Product: %s\n", p.ProductID)
		fmt.Fprintf(&b, "Price: %s, was %s (-%s%%)\n", money(p.NewPrice.StringFixed(2)), money(p.PreviousPrice.StringFixed(2)), p.DiscountPct.StringFixed(1))
	case models.KindPriceDrop:
		b.WriteString("Price drop\n")
		fmt.Fprintf(&b, "Product: %s\n", p.ProductID)
		fmt.Fprintf(&b, "Price: %s, was %s (-%s%%)\n", money(p.NewPrice.StringFixed(2)), money(p.PreviousPrice.StringFixed(2)), p.DiscountPct.StringFixed(1))
	case models.KindCheckFailed:
		b.WriteString("Product can no longer be checked\n")
		fmt.Fprintf(&b, "Product: %s\n", p.ProductID)
		b.WriteString("It may have been delisted. Tracking has been paused.\n")
	default:
		fmt.Fprintf(&b, "%s: %s\n", p.Kind, p.ProductID)
	}
	if p.URL != "" {
		b.WriteString(p.URL)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func money(amount string) string {
	return "$" + amount
}
