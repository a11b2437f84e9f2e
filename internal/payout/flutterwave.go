package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultFlutterwaveURL = "https://api.flutterwave.com"
	defaultOperator       = "MPS"
)

// FlutterwaveConfig configures the Flutterwave transfers API client.
type FlutterwaveConfig struct {
	BaseURL       string
	SecretKey     string
	CallbackURL   string
	DebitCurrency string
	SenderName    string
	SenderCountry string
	SenderMobile  string
	Timeout       time.Duration
}

// Flutterwave implements Processor against the v3 transfers API.
type Flutterwave struct {
	cfg FlutterwaveConfig
	cli *resty.Client
}

// NewFlutterwave constructs the client. A nil httpClient gets cfg.Timeout.
func NewFlutterwave(cfg FlutterwaveConfig, httpClient *http.Client) *Flutterwave {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultFlutterwaveURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SenderName == "" {
		cfg.SenderName = "peerpesa"
	}
	cli := resty.New().SetTimeout(cfg.Timeout)
	if httpClient != nil {
		cli = resty.NewWithClient(httpClient)
	}
	cli = cli.
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Accept", "application/json")
	return &Flutterwave{cfg: cfg, cli: cli}
}

type transferMeta struct {
	Sender        string `json:"sender"`
	SenderCountry string `json:"sender_country,omitempty"`
	MobileNumber  string `json:"mobile_number,omitempty"`
}

type transferRequest struct {
	AccountBank     string       `json:"account_bank"`
	AccountNumber   string       `json:"account_number"`
	BeneficiaryName string       `json:"beneficiary_name,omitempty"`
	Amount          json.Number  `json:"amount"`
	Currency        string       `json:"currency"`
	Reference       string       `json:"reference"`
	CallbackURL     string       `json:"callback_url,omitempty"`
	DebitCurrency   string       `json:"debit_currency,omitempty"`
	Meta            transferMeta `json:"meta"`
}

// CreateTransfer posts a mobile-money transfer. Non-2xx replies are returned
// as a Response with their status code; only transport failures are errors.
func (f *Flutterwave) CreateTransfer(ctx context.Context, in Instruction) (Response, error) {
	bank := strings.ToUpper(strings.TrimSpace(in.Operator))
	if bank == "" {
		bank = defaultOperator
	}
	req := f.cli.R().
		SetContext(ctx).
		SetHeader("X-Idempotency-Key", in.Reference).
		SetBody(transferRequest{
			AccountBank:     bank,
			AccountNumber:   in.Receiver,
			BeneficiaryName: in.BeneficiaryName,
			Amount:          json.Number(in.Amount.String()),
			Currency:        in.Currency,
			Reference:       in.Reference,
			CallbackURL:     f.cfg.CallbackURL,
			DebitCurrency:   f.cfg.DebitCurrency,
			Meta: transferMeta{
				Sender:        f.cfg.SenderName,
				SenderCountry: f.cfg.SenderCountry,
				MobileNumber:  f.cfg.SenderMobile,
			},
		})
	if in.CSRFToken != "" {
		req.SetHeader("X-CSRF-Token", in.CSRFToken)
	}
	return f.do(req, resty.MethodPost, in.Reference)
}

// QueryTransfer looks a transfer up by the reference it was created with.
func (f *Flutterwave) QueryTransfer(ctx context.Context, reference string) (Response, error) {
	req := f.cli.R().
		SetContext(ctx).
		SetQueryParam("reference", reference)
	return f.do(req, resty.MethodGet, reference)
}

func (f *Flutterwave) do(req *resty.Request, method, reference string) (Response, error) {
	resp, err := req.Execute(method, "/v3/transfers")
	if err != nil {
		return Response{}, fmt.Errorf("processor request: %w", err)
	}
	return decodeResponse(resp.StatusCode(), resp.Body(), reference), nil
}
