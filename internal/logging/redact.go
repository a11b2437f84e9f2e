package logging

import "strings"

const mask = "***"

// MaskMSISDN keeps the dial prefix and the last three digits of a phone number.
func MaskMSISDN(msisdn string) string {
	if len(msisdn) <= 6 {
		return mask
	}
	return msisdn[:3] + mask + msisdn[len(msisdn)-3:]
}

// Redact replaces every occurrence of the given secrets in s. Empty secrets
// are ignored.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, mask)
	}
	return s
}
