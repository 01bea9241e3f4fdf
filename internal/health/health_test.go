package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decodeResult(t, rec); body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
}

func TestReadyzReportsEachCheck(t *testing.T) {
	h := New(
		Checker{Name: "registry", Check: func(context.Context) error { return nil }},
		Checker{Name: "synthesis", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeResult(t, rec)
	if body.Status != "ok" {
		t.Errorf("body status = %q", body.Status)
	}
	for _, name := range []string{"registry", "synthesis"} {
		if body.Checks[name] != "ok" {
			t.Errorf("check %q = %q, want ok", name, body.Checks[name])
		}
	}
}

func TestReadyzFailsWhenAnyCheckFails(t *testing.T) {
	h := New(
		Checker{Name: "registry", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "synthesis", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := decodeResult(t, rec)
	if body.Status != "fail" {
		t.Errorf("body status = %q, want fail", body.Status)
	}
	if body.Checks["registry"] != "fail: connection refused" {
		t.Errorf("registry check = %q", body.Checks["registry"])
	}
	if body.Checks["synthesis"] != "ok" {
		t.Errorf("synthesis check = %q, want ok", body.Checks["synthesis"])
	}
}

func TestReadyzWithoutCheckersIsReady(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestRegistryChecker(t *testing.T) {
	ok := RegistryChecker(fakePinger{})
	if ok.Name != "registry" {
		t.Errorf("checker name = %q, want registry", ok.Name)
	}
	if err := ok.Check(context.Background()); err != nil {
		t.Errorf("healthy registry check: %v", err)
	}

	bad := RegistryChecker(fakePinger{err: errors.New("pool exhausted")})
	if err := bad.Check(context.Background()); err == nil {
		t.Error("unreachable registry check returned nil")
	}
}

func TestRegisterMountsRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestReadyzPropagatesRequestCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
