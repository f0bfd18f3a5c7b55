package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func TestHealthEndpoint(t *testing.T) {
	h := &Handlers{logger: zap.NewNop()}

	app := fiber.New()
	app.Get("/healthz", h.HealthCheck)

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"+1 (555) 123-4567", true},
		{"5551234", true},
		{"123456", false},   // too short
		{"1234567890123456", false}, // too long
		{"555-ABCD", false}, // non-digit
	}
	for _, tc := range cases {
		_, ok := normalizePhoneNumber(tc.in)
		if ok != tc.ok {
			t.Errorf("normalizePhoneNumber(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestCreateCampaignRejectsEmptyName(t *testing.T) {
	h := &Handlers{logger: zap.NewNop()}

	app := fiber.New()
	app.Post("/campaigns", h.CreateCampaign)

	req := httptest.NewRequest("POST", "/campaigns", nil)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("expected status 400 for empty body, got %d", resp.StatusCode)
	}
}
