package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys whose values never reach the log output in clear text.
var (
	secretKeys = map[string]bool{
		"authorization": true,
		"secret_key":    true,
		"app_id":        true,
		"csrf_token":    true,
		"admin_key":     true,
		"x-csrf-token":  true,
		"verif-hash":    true,
		"webhook_hash":  true,
	}
	phoneKeys = map[string]bool{
		"receiver":       true,
		"phone":          true,
		"msisdn":         true,
		"account_number": true,
	}
)

// New creates a JSON slog logger at the provided level, tagged with service.
// An invalid level defaults to info.
func New(level, service string) *slog.Logger {
	return newLogger(os.Stdout, level, service)
}

func newLogger(w io.Writer, level, service string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: scrub})
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With(slog.String("service", service))
	}
	return logger
}

// scrub masks credentials and phone numbers by attribute key.
func scrub(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	switch {
	case secretKeys[key]:
		return slog.String(a.Key, mask)
	case phoneKeys[key] && a.Value.Kind() == slog.KindString:
		return slog.String(a.Key, MaskMSISDN(a.Value.String()))
	}
	return a
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
