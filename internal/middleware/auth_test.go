package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/google/uuid"
)

// =============================================================================
// Mock Resolver
// =============================================================================

type mockResolver struct {
	users map[uuid.UUID]domain.Principal
	calls int
	gotIP string
}

func (m *mockResolver) ResolvePrincipal(ctx context.Context, userID uuid.UUID, ip string) (domain.Principal, error) {
	m.calls++
	m.gotIP = ip
	if userID == uuid.Nil {
		return domain.Principal{IPAddress: ip}, nil
	}
	p, ok := m.users[userID]
	if !ok {
		return domain.Principal{}, domain.Unauthorized("principal.resolve", "unknown user")
	}
	p.IPAddress = ip
	return p, nil
}

// =============================================================================
// Test Helpers
// =============================================================================

// newTestLogger creates a logger that only shows errors.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestAuthMiddleware(users ...domain.Principal) (*AuthMiddleware, *mockResolver) {
	resolver := &mockResolver{users: make(map[uuid.UUID]domain.Principal)}
	for _, p := range users {
		resolver.users[p.UserID] = p
	}
	return NewAuthMiddleware(resolver, newTestLogger()), resolver
}

func requestWithPrincipal(method, path string, p domain.Principal) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(auth.SetPrincipal(req.Context(), p))
}

// =============================================================================
// WithPrincipal Middleware Tests
// =============================================================================

func TestWithPrincipal_NoHeader_ResolvesAnonymous(t *testing.T) {
	mw, resolver := newTestAuthMiddleware()

	var got domain.Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.GetPrincipal(r.Context())
		if !ok {
			t.Error("expected principal in context")
		}
		got = p
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/api/uploads", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()

	mw.WithPrincipal(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if !got.IsAnonymous() {
		t.Errorf("expected anonymous principal, got %s", got.Identity())
	}
	if got.IPAddress != "203.0.113.9" {
		t.Errorf("IPAddress = %q, want forwarded client address", got.IPAddress)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver called %d times, want 1", resolver.calls)
	}
}

func TestWithPrincipal_KnownUser_SetsPrincipal(t *testing.T) {
	user := domain.Principal{UserID: uuid.New(), CreditBalance: 7}
	mw, _ := newTestAuthMiddleware(user)

	var got domain.Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.RemoteAddr = "192.0.2.4:5555"
	req.Header.Set(UserIDHeader, user.UserID.String())
	rec := httptest.NewRecorder()

	mw.WithPrincipal(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if got.UserID != user.UserID {
		t.Errorf("UserID = %s, want %s", got.UserID, user.UserID)
	}
	if got.CreditBalance != 7 {
		t.Errorf("CreditBalance = %d, want 7", got.CreditBalance)
	}
	if got.IPAddress != "192.0.2.4" {
		t.Errorf("IPAddress = %q, want 192.0.2.4", got.IPAddress)
	}
}

func TestWithPrincipal_MalformedHeader_Returns401(t *testing.T) {
	mw, resolver := newTestAuthMiddleware()

	handlerCalled := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	})

	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.Header.Set(UserIDHeader, "not-a-uuid")
	rec := httptest.NewRecorder()

	mw.WithPrincipal(handler).ServeHTTP(rec, req)

	if handlerCalled {
		t.Error("handler should not be called for a malformed user id")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver should not be called, got %d calls", resolver.calls)
	}
}

func TestWithPrincipal_UnknownUser_Returns401(t *testing.T) {
	mw, _ := newTestAuthMiddleware()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for an unknown user")
	})

	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.Header.Set(UserIDHeader, uuid.NewString())
	rec := httptest.NewRecorder()

	mw.WithPrincipal(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestWithPrincipal_AnnotatesAccessLog(t *testing.T) {
	user := domain.Principal{UserID: uuid.New()}
	mw, _ := newTestAuthMiddleware(user)

	var buf bytes.Buffer
	logging := NewRequestLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/usage", nil)
	req.Header.Set(UserIDHeader, user.UserID.String())
	rec := httptest.NewRecorder()

	Stack(logging.Handler, mw.WithPrincipal)(handler).ServeHTTP(rec, req)

	if !strings.Contains(buf.String(), "principal=user:"+user.UserID.String()) {
		t.Errorf("access log should name the principal, got: %s", buf.String())
	}
}

// =============================================================================
// RequireUser / RequireAdmin Tests
// =============================================================================

func TestRequireUser(t *testing.T) {
	tests := []struct {
		name      string
		principal *domain.Principal
		want      int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"anonymous", &domain.Principal{IPAddress: "10.0.0.1"}, http.StatusUnauthorized},
		{"user", &domain.Principal{UserID: uuid.New()}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, _ := newTestAuthMiddleware()
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/api/usage", nil)
			if tt.principal != nil {
				req = requestWithPrincipal("GET", "/api/usage", *tt.principal)
			}
			rec := httptest.NewRecorder()

			mw.RequireUser(handler).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name       string
		principal  *domain.Principal
		want       int
		wantCalled bool
	}{
		{"no principal", nil, http.StatusUnauthorized, false},
		{"anonymous", &domain.Principal{IPAddress: "10.0.0.1"}, http.StatusUnauthorized, false},
		{"non-admin user", &domain.Principal{UserID: uuid.New()}, http.StatusForbidden, false},
		{"admin", &domain.Principal{UserID: uuid.New(), IsAdmin: true}, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, _ := newTestAuthMiddleware()
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/api/admin/usage/reset", nil)
			if tt.principal != nil {
				req = requestWithPrincipal("POST", "/api/admin/usage/reset", *tt.principal)
			}
			rec := httptest.NewRecorder()

			mw.RequireAdmin(handler).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status code = %d, want %d", rec.Code, tt.want)
			}
			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
			if tt.want == http.StatusForbidden && !strings.Contains(rec.Body.String(), `"code":"forbidden"`) {
				t.Errorf("expected JSON forbidden body, got: %s", rec.Body.String())
			}
		})
	}
}

// =============================================================================
// Stack Tests
// =============================================================================

func TestStack_AppliesInOrder(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	Stack(mark("outer"), mark("inner"))(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := "outer,inner,handler"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}
