package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prospectly/prospectly/internal/pkg/cache"
)

const (
	eventOutcomesKey = "billing:counters:event_outcomes"
	creditSpendKey   = "billing:counters:credit_spend"
)

// AddEventOutcome increments the counter for one webhook outcome bucket,
// keyed "<event_type>:<outcome>". Best effort: a Redis hiccup must never
// fail the webhook response.
func AddEventOutcome(eventType, outcome string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, eventOutcomesKey, eventType+":"+outcome, 1).Err()
}

// AddCreditSpend adds the spent amount to the daily credit spend counter.
// Spends are decimal credits, so the counter accumulates with HIncrByFloat
// to keep fractional amounts.
func AddCreditSpend(amount decimal.Decimal) error {
	ctx := context.Background()
	field := time.Now().UTC().Format("2006-01-02")
	return cache.GetClient().HIncrByFloat(ctx, creditSpendKey, field, amount.InexactFloat64()).Err()
}

// EventOutcomes returns a snapshot of the outcome counters.
func EventOutcomes() (map[string]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, eventOutcomesKey).Result()
	if err != nil {
		return nil, err
	}
	return parseIntFields(data), nil
}

// CreditSpendByDay returns a snapshot of the daily spend counters.
func CreditSpendByDay() (map[string]float64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, creditSpendKey).Result()
	if err != nil {
		return nil, err
	}
	return parseFloatFields(data), nil
}

func parseIntFields(data map[string]string) map[string]int64 {
	out := make(map[string]int64, len(data))
	for field, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out
}

func parseFloatFields(data map[string]string) map[string]float64 {
	out := make(map[string]float64, len(data))
	for field, v := range data {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[field] = f
	}
	return out
}
