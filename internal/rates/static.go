package rates

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves a fixed table. Used in development and tests.
type Static struct {
	table Table
	err   error
}

// NewStatic builds a USD-based table from decimal strings. It panics on
// malformed input.
func NewStatic(usdRates map[string]string) *Static {
	table := Table{Base: "USD", Rates: make(map[string]decimal.Decimal, len(usdRates)), FetchedAt: time.Now().UTC()}
	for currency, rate := range usdRates {
		table.Rates[currency] = decimal.RequireFromString(rate)
	}
	return &Static{table: table}
}

// Failing returns a source whose every call fails with err.
func Failing(err error) *Static {
	return &Static{err: err}
}

// Latest implements Source.
func (s *Static) Latest(context.Context) (Table, error) {
	if s.err != nil {
		return Table{}, s.err
	}
	return s.table, nil
}
