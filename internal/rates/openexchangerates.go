package rates

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/logging"
)

const (
	defaultOpenExchangeRatesURL = "https://openexchangerates.org/api"
	defaultRatesTimeout         = 10 * time.Second
)

// OpenExchangeRates fetches USD-based tables from openexchangerates.org.
type OpenExchangeRates struct {
	appID string
	cli   *resty.Client
}

// NewOpenExchangeRates constructs the HTTP rate source. A nil httpClient
// gets a default timeout.
func NewOpenExchangeRates(baseURL, appID string, httpClient *http.Client) *OpenExchangeRates {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOpenExchangeRatesURL
	}
	cli := resty.New().SetTimeout(defaultRatesTimeout)
	if httpClient != nil {
		cli = resty.NewWithClient(httpClient)
	}
	cli = cli.
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	return &OpenExchangeRates{appID: appID, cli: cli}
}

type latestResponse struct {
	Timestamp   int64                      `json:"timestamp"`
	Base        string                     `json:"base"`
	Rates       map[string]decimal.Decimal `json:"rates"`
	Error       bool                       `json:"error"`
	Description string                     `json:"description"`
}

// Latest implements Source. Errors never carry the app id, since transport
// failures quote the request url.
func (o *OpenExchangeRates) Latest(ctx context.Context) (Table, error) {
	var body latestResponse
	resp, err := o.cli.R().
		SetContext(ctx).
		SetQueryParam("app_id", o.appID).
		SetResult(&body).
		SetError(&body).
		Get("/latest.json")
	if err != nil {
		return Table{}, fmt.Errorf("fetch latest rates: %s", logging.Redact(err.Error(), o.appID))
	}
	if resp.IsError() || body.Error {
		return Table{}, fmt.Errorf("latest rates: status %d: %s", resp.StatusCode(), body.Description)
	}
	if len(body.Rates) == 0 {
		return Table{}, fmt.Errorf("latest rates: empty rate table")
	}

	base := body.Base
	if base == "" {
		base = "USD"
	}
	fetched := time.Now().UTC()
	if body.Timestamp > 0 {
		fetched = time.Unix(body.Timestamp, 0).UTC()
	}
	return Table{Base: base, Rates: body.Rates, FetchedAt: fetched}, nil
}
