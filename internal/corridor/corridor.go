package corridor

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedCountry is returned for destinations without a payout corridor.
	ErrUnsupportedCountry = errors.New("unsupported destination country")
	// ErrUnsupportedOperator is returned when the operator does not serve the country.
	ErrUnsupportedOperator = errors.New("unsupported mobile money operator")
	// ErrInvalidPhone is returned when a phone number cannot be turned into an MSISDN.
	ErrInvalidPhone = errors.New("invalid phone number")
)

const (
	minSubscriberDigits = 7
	maxSubscriberDigits = 15
)

// Operator is a mobile-money network reachable through the payout processor.
type Operator struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Country describes one payout destination.
type Country struct {
	Name       string     `json:"name"`
	Currency   string     `json:"currency"`
	DialPrefix string     `json:"dial_prefix"`
	Operators  []Operator `json:"operators"`
}

// Catalog holds the static country, currency, operator and dial prefix tables.
// It is read-only after construction and safe for concurrent use.
type Catalog struct {
	countries map[string]Country
}

// New builds a catalog keyed by country name. Lookups are case-insensitive.
func New(countries []Country) *Catalog {
	c := &Catalog{countries: make(map[string]Country, len(countries))}
	for _, country := range countries {
		c.countries[normalize(country.Name)] = country
	}
	return c
}

// Default returns the corridors served in production.
func Default() *Catalog {
	mps := []Operator{{Code: "MPS", Label: "M-Pesa"}}
	return New([]Country{
		{Name: "Kenya", Currency: "KES", DialPrefix: "254", Operators: []Operator{
			{Code: "MPS", Label: "M-Pesa"},
			{Code: "MPX", Label: "Airtel Kenya"},
		}},
		{Name: "Ghana", Currency: "GHS", DialPrefix: "233", Operators: []Operator{
			{Code: "AIRTEL", Label: "Airtel"},
			{Code: "MTN", Label: "MTN"},
			{Code: "TIGO", Label: "Tigo"},
			{Code: "VODAFONE", Label: "Vodafone"},
		}},
		{Name: "Uganda", Currency: "UGX", DialPrefix: "256", Operators: mps},
		{Name: "Tanzania", Currency: "TZS", DialPrefix: "255", Operators: mps},
		{Name: "Rwanda", Currency: "RWF", DialPrefix: "250", Operators: mps},
		{Name: "Zambia", Currency: "ZMW", DialPrefix: "260", Operators: mps},
		{Name: "Cameroon", Currency: "XAF", DialPrefix: "237", Operators: []Operator{
			{Code: "FMM", Label: "Francophone Mobile Money"},
		}},
		{Name: "Cote d'Ivoire", Currency: "XOF", DialPrefix: "225", Operators: []Operator{
			{Code: "FMM", Label: "Francophone Mobile Money"},
			{Code: "WAVE", Label: "Wave"},
		}},
		{Name: "Ethiopia", Currency: "ETB", DialPrefix: "251", Operators: []Operator{
			{Code: "AMOLEMONEY", Label: "Amole Money"},
		}},
		{Name: "Malawi", Currency: "MWK", DialPrefix: "265", Operators: []Operator{
			{Code: "AIRTELMW", Label: "Airtel Malawi"},
		}},
		{Name: "Senegal", Currency: "XOF", DialPrefix: "221", Operators: []Operator{
			{Code: "EMONEY", Label: "E-Money"},
			{Code: "FREEMONEY", Label: "Free Money"},
			{Code: "ORANGEMONEY", Label: "Orange Money"},
			{Code: "WAVE", Label: "Wave"},
		}},
	})
}

// Lookup returns the corridor for a country.
func (c *Catalog) Lookup(country string) (Country, error) {
	found, ok := c.countries[normalize(country)]
	if !ok {
		return Country{}, ErrUnsupportedCountry
	}
	return found, nil
}

// Currency returns the payout currency for a country.
func (c *Catalog) Currency(country string) (string, error) {
	found, err := c.Lookup(country)
	if err != nil {
		return "", err
	}
	return found.Currency, nil
}

// ValidateOperator checks that the operator code serves the given country.
func (c *Catalog) ValidateOperator(country, operator string) error {
	found, err := c.Lookup(country)
	if err != nil {
		return err
	}
	code := strings.ToUpper(strings.TrimSpace(operator))
	for _, op := range found.Operators {
		if op.Code == code {
			return nil
		}
	}
	return ErrUnsupportedOperator
}

// MSISDN normalizes a local or international phone number into the
// international digits-only form the payout processor expects.
func (c *Catalog) MSISDN(country, phone string) (string, error) {
	found, err := c.Lookup(country)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '+' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, found.DialPrefix) && len(digits)-len(found.DialPrefix) >= minSubscriberDigits {
		digits = strings.TrimPrefix(digits, found.DialPrefix)
	}
	digits = strings.TrimLeft(digits, "0")
	if len(digits) < minSubscriberDigits || len(digits) > maxSubscriberDigits {
		return "", ErrInvalidPhone
	}
	return found.DialPrefix + digits, nil
}

// Countries lists every corridor sorted by name.
func (c *Catalog) Countries() []Country {
	out := make([]Country, 0, len(c.countries))
	for _, country := range c.countries {
		out = append(out, country)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalize(country string) string {
	return strings.ToLower(strings.TrimSpace(country))
}
