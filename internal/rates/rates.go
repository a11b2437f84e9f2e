package rates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FiatPrecision is the number of decimal places kept on converted amounts.
const FiatPrecision int32 = 2

// ErrRateUnavailable covers upstream failures and missing currency pairs.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Converter turns an amount in one currency into another.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Table is a snapshot of rates quoted against Base.
type Table struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

// Source loads the latest rate table.
type Source interface {
	Latest(ctx context.Context) (Table, error)
}

// DefaultAliases maps USD-pegged stablecoins to their reference currency.
var DefaultAliases = map[string]string{
	"CUSD": "USD",
	"USDT": "USD",
	"USDC": "USD",
}

// Service converts amounts using cross rates from a Source.
type Service struct {
	source  Source
	aliases map[string]string
	logger  *slog.Logger
}

// NewService builds a converter. A nil aliases map falls back to DefaultAliases.
func NewService(source Source, aliases map[string]string, logger *slog.Logger) *Service {
	if aliases == nil {
		aliases = DefaultAliases
	}
	return &Service{source: source, aliases: aliases, logger: logger}
}

// Rate returns how many units of to one unit of from buys.
func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = s.canonical(from), s.canonical(to)
	if from == "" || to == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: currency is required", ErrRateUnavailable)
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	table, err := s.source.Latest(ctx)
	if err != nil {
		s.logger.Warn("rate source failed", slog.String("from", from), slog.String("to", to), slog.Any("error", err))
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}

	fromRate, err := table.quote(from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	toRate, err := table.quote(to)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return toRate.Div(fromRate), nil
}

// Convert multiplies amount by the from/to rate and rounds to FiatPrecision.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be positive", ErrRateUnavailable)
	}
	rate, err := s.Rate(ctx, from, to)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return amount.Mul(rate).Round(FiatPrecision), nil
}

func (s *Service) canonical(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if alias, ok := s.aliases[c]; ok {
		return alias
	}
	return c
}

func (t Table) quote(currency string) (decimal.Decimal, error) {
	if strings.EqualFold(currency, t.Base) {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := t.Rates[currency]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: no rate for %s", ErrRateUnavailable, currency)
	}
	return rate, nil
}
