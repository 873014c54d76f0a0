package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/money"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// HTTPSource fetches rates from an exchange-rate service answering
// GET <base>?currency=XXX&date=YYYY-MM-DD with {"rate": "..."}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "exchange-rate-api",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *HTTPSource) Rate(ctx context.Context, cur string, date time.Time) (decimal.Decimal, error) {
	if money.IsUSD(cur) {
		return decimal.NewFromInt(1), nil
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, cur, date)
	})
	if err != nil {
		return decimal.Zero, apperr.External(apperr.CodeExchangeRate, err, "exchange rate for %s on %s", cur, date.Format(time.DateOnly))
	}
	return out.(decimal.Decimal), nil
}

func (s *HTTPSource) fetch(ctx context.Context, cur string, date time.Time) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("currency", strings.ToUpper(cur))
	q.Set("date", date.Format(time.DateOnly))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate response: %w", err)
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", body.Rate)
	}
	return body.Rate, nil
}
