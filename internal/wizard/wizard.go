// Package wizard models the transfer form as a single tagged state and a pure
// reducer, so every step can be exercised without a UI.
package wizard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/peerpesa/settlement/internal/corridor"
	"github.com/peerpesa/settlement/internal/fees"
)

var (
	// ErrInvalidAction is returned when an action does not apply to the current step.
	ErrInvalidAction = errors.New("action not allowed in current step")
	// ErrInvalidInput wraps field validation failures.
	ErrInvalidInput = errors.New("invalid transfer details")
)

// State is one of ChoosingCountry, EnteringDetails, Reviewing or Submitted.
type State interface {
	Step() string
	state()
}

// ChoosingCountry is the initial step.
type ChoosingCountry struct{}

// EnteringDetails collects the receiver and amount for a chosen corridor.
type EnteringDetails struct {
	Country  corridor.Country
	Previous *Details
}

// Reviewing shows the computed debit before the user confirms.
type Reviewing struct {
	Country corridor.Country
	Details Details
	Fee     decimal.Decimal
	Total   decimal.Decimal
}

// Submitted is terminal until Reset and carries the immutable request.
type Submitted struct {
	Request Request
}

func (ChoosingCountry) Step() string { return "choosing_country" }
func (EnteringDetails) Step() string { return "entering_details" }
func (Reviewing) Step() string       { return "reviewing" }
func (Submitted) Step() string       { return "submitted" }

func (ChoosingCountry) state() {}
func (EnteringDetails) state() {}
func (Reviewing) state()       {}
func (Submitted) state()       {}

// Details are the validated form fields.
type Details struct {
	UserAddress     string
	Token           string
	Principal       decimal.Decimal
	Receiver        string
	Operator        string
	BeneficiaryName string
}

// Request is the confirmed transfer produced by the Submitted step.
type Request struct {
	UserAddress     string
	Token           string
	Principal       decimal.Decimal
	Country         string
	Currency        string
	Receiver        string
	Operator        string
	BeneficiaryName string
	FeeBasisPoints  int64
}

// Action is one of SelectCountry, EnterDetails, Back, Confirm or Reset.
type Action interface {
	action()
}

// SelectCountry picks the payout corridor.
type SelectCountry struct{ Country string }

// EnterDetails submits the raw form fields.
type EnterDetails struct {
	UserAddress     string
	Token           string
	Amount          string
	Phone           string
	Operator        string
	BeneficiaryName string
}

// Back returns to the previous step.
type Back struct{}

// Confirm accepts the reviewed transfer.
type Confirm struct{}

// Reset starts over.
type Reset struct{}

func (SelectCountry) action() {}
func (EnterDetails) action()  {}
func (Back) action()          {}
func (Confirm) action()       {}
func (Reset) action()         {}

// Reducer applies actions to states. It holds only read-only configuration.
type Reducer struct {
	catalog        *corridor.Catalog
	feeBasisPoints int64
	tokens         map[string]string
}

// NewReducer builds a reducer for the given corridors, fee and token symbols.
func NewReducer(catalog *corridor.Catalog, feeBasisPoints int64, tokens []string) *Reducer {
	r := &Reducer{catalog: catalog, feeBasisPoints: feeBasisPoints, tokens: make(map[string]string, len(tokens))}
	for _, symbol := range tokens {
		r.tokens[strings.ToUpper(symbol)] = symbol
	}
	return r
}

// Initial returns the first step.
func (r *Reducer) Initial() State { return ChoosingCountry{} }

// Reduce returns the next state. On error the caller keeps the current state.
func (r *Reducer) Reduce(current State, act Action) (State, error) {
	if _, ok := act.(Reset); ok {
		return ChoosingCountry{}, nil
	}

	switch s := current.(type) {
	case ChoosingCountry:
		if a, ok := act.(SelectCountry); ok {
			return r.selectCountry(a, nil)
		}
	case EnteringDetails:
		switch a := act.(type) {
		case SelectCountry:
			return r.selectCountry(a, s.Previous)
		case EnterDetails:
			return r.enterDetails(s.Country, a)
		case Back:
			return ChoosingCountry{}, nil
		}
	case Reviewing:
		switch act.(type) {
		case Back:
			details := s.Details
			return EnteringDetails{Country: s.Country, Previous: &details}, nil
		case Confirm:
			return Submitted{Request: Request{
				UserAddress:     s.Details.UserAddress,
				Token:           s.Details.Token,
				Principal:       s.Details.Principal,
				Country:         s.Country.Name,
				Currency:        s.Country.Currency,
				Receiver:        s.Details.Receiver,
				Operator:        s.Details.Operator,
				BeneficiaryName: s.Details.BeneficiaryName,
				FeeBasisPoints:  r.feeBasisPoints,
			}}, nil
		}
	case Submitted:
	default:
		return nil, fmt.Errorf("%w: unknown state %T", ErrInvalidAction, current)
	}
	return current, fmt.Errorf("%w: %T in %s", ErrInvalidAction, act, current.Step())
}

// Run applies actions in order starting from the initial step.
func (r *Reducer) Run(actions ...Action) (State, error) {
	state := r.Initial()
	for _, act := range actions {
		next, err := r.Reduce(state, act)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

func (r *Reducer) selectCountry(a SelectCountry, previous *Details) (State, error) {
	country, err := r.catalog.Lookup(a.Country)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return EnteringDetails{Country: country, Previous: previous}, nil
}

func (r *Reducer) enterDetails(country corridor.Country, a EnterDetails) (State, error) {
	if !common.IsHexAddress(a.UserAddress) {
		return nil, fmt.Errorf("%w: user address must be a hex account", ErrInvalidInput)
	}
	symbol, ok := r.tokens[strings.ToUpper(strings.TrimSpace(a.Token))]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported token %q", ErrInvalidInput, a.Token)
	}
	principal, err := decimal.NewFromString(strings.TrimSpace(a.Amount))
	if err != nil || !principal.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be a positive number", ErrInvalidInput)
	}
	receiver, err := r.catalog.MSISDN(country.Name, a.Phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := r.catalog.ValidateOperator(country.Name, a.Operator); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	total, err := fees.ComputeTotal(principal, r.feeBasisPoints)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	fee, _ := fees.Fee(principal, r.feeBasisPoints)

	return Reviewing{
		Country: country,
		Details: Details{
			UserAddress:     common.HexToAddress(a.UserAddress).Hex(),
			Token:           symbol,
			Principal:       principal,
			Receiver:        receiver,
			Operator:        strings.ToUpper(strings.TrimSpace(a.Operator)),
			BeneficiaryName: strings.TrimSpace(a.BeneficiaryName),
		},
		Fee:   fee,
		Total: total,
	}, nil
}
