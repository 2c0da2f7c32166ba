package storage

import (
	"context"
	"fmt"

	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/shopspring/decimal"
)

const recentAlertDays = 7

// GetStats returns aggregate counts over the whole store.
func (s *Store) GetStats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats
	since := toNanos(s.opts.Now().AddDate(0, 0, -recentAlertDays))

	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM products),
	(SELECT COUNT(*) FROM products WHERE active = 1),
	(SELECT COUNT(DISTINCT user_id) FROM product_owners),
	(SELECT COUNT(*) FROM price_history),
	(SELECT COUNT(*) FROM alerts_log WHERE kind = ? AND triggered_at >= ?),
	(SELECT COUNT(*) FROM alerts_log WHERE kind = ? AND triggered_at >= ?)`,
		string(models.KindBigDiscount), since, string(models.KindPriceError), since).
		Scan(&stats.Products, &stats.ActiveProducts, &stats.Users, &stats.Observations,
			&stats.BigDiscounts7d, &stats.PriceErrors7d)
	if err != nil {
		return models.Stats{}, fmt.Errorf("storage: stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT last_known_price FROM products WHERE last_known_price IS NOT NULL`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("storage: stats prices: %w", err)
	}
	defer rows.Close()

	var prices []decimal.Decimal
	for rows.Next() {
		var price decimal.Decimal
		if err := rows.Scan(&price); err != nil {
			return models.Stats{}, fmt.Errorf("storage: scan price: %w", err)
		}
		prices = append(prices, price)
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, fmt.Errorf("storage: iterate prices: %w", err)
	}
	if len(prices) > 0 {
		stats.AverageLastPrice = decimal.Avg(prices[0], prices[1:]...).Round(2)
	}
	return stats, nil
}

// Trend summarises the available observations of the last days days.
func (s *Store) Trend(ctx context.Context, productID string, days int) (models.Trend, error) {
	history, err := s.GetHistory(ctx, productID, days)
	if err != nil {
		return models.Trend{}, err
	}

	trend := models.Trend{ProductID: productID, Days: days}
	var prices []decimal.Decimal
	for _, obs := range history {
		if !obs.Available || !obs.Price.IsPositive() {
			continue
		}
		prices = append(prices, obs.Price)
		trend.Latest = obs.Price
		trend.LatestAt = obs.ObservedAt
	}
	trend.Observations = len(prices)
	if len(prices) == 0 {
		return trend, nil
	}
	trend.Min = decimal.Min(prices[0], prices[1:]...)
	trend.Max = decimal.Max(prices[0], prices[1:]...)
	trend.Average = decimal.Avg(prices[0], prices[1:]...).Round(2)
	return trend, nil
}
