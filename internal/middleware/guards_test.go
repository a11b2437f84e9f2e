package middleware

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/peerpesa/settlement/internal/csrf"
	"github.com/peerpesa/settlement/internal/logging"
)

func okHandler(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) }

func TestCSRFRequiresIssuedToken(t *testing.T) {
	issuer := csrf.NewIssuer(csrf.NewMemoryStore(), time.Minute)
	app := fiber.New()
	app.Use(CSRF(issuer, logging.Discard()))
	app.Post("/transfers", okHandler)
	app.Get("/transfers", okHandler)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodPost, "/transfers", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected %d got %d", fiber.StatusForbidden, resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest(fiber.MethodGet, "/transfers", nil))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("safe methods must pass, got %d", resp.StatusCode)
	}

	token, err := issuer.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(fiber.MethodPost, "/transfers", nil)
	req.Header.Set(CSRFHeader, token)
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected %d got %d", fiber.StatusOK, resp.StatusCode)
	}
}

func TestAdminKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	app := fiber.New()
	app.Post("/admin/reconcile", AdminKey(string(hash)), okHandler)
	app.Post("/disabled", AdminKey(""), okHandler)

	cases := []struct {
		path string
		key  string
		want int
	}{
		{"/admin/reconcile", "", fiber.StatusUnauthorized},
		{"/admin/reconcile", "wrong", fiber.StatusUnauthorized},
		{"/admin/reconcile", "operator-key", fiber.StatusOK},
		{"/disabled", "operator-key", fiber.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(fiber.MethodPost, tc.path, nil)
		if tc.key != "" {
			req.Header.Set(AdminKeyHeader, tc.key)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s with %q: expected %d got %d", tc.path, tc.key, tc.want, resp.StatusCode)
		}
	}
}

func TestTransferRateLimitPerAddress(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/transfers", TransferRateLimit(cache, 2), okHandler)

	send := func(address string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader(`{"user_address":"`+address+`"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if got := send("0xAbC"); got != fiber.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i, got)
		}
	}
	if got := send("0xabc"); got != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same address, got %d", got)
	}
	if got := send("0xdef"); got != fiber.StatusOK {
		t.Fatalf("other addresses are unaffected, got %d", got)
	}

	mr.FastForward(time.Minute + time.Second)
	if got := send("0xabc"); got != fiber.StatusOK {
		t.Fatalf("window must reset, got %d", got)
	}
}
