package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aluiziolira/go-price-tracker/models"
)

// Notifier delivers one payload to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, payload models.AlertPayload) error
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier logs to logger, or slog.Default when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID string, p models.AlertPayload) error {
	n.logger.InfoContext(ctx, "alert",
		slog.String("user_id", userID),
		slog.String("product_id", p.ProductID),
		slog.String("kind", string(p.Kind)),
		slog.String("previous_price", p.PreviousPrice.String()),
		slog.String("new_price", p.NewPrice.String()),
		slog.String("discount_pct", p.DiscountPct.String()),
		slog.String("message", FormatMessage(p)),
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, p models.AlertPayload) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
