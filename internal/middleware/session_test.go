package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func echoSession() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(SessionIDFromContext(r.Context())))
	})
}

func TestSessionIssuesCookieOnFirstVisit(t *testing.T) {
	handler := Session(SessionOptions{CookieName: "sid", MaxAge: time.Hour})(echoSession())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "sid" {
		t.Fatalf("expected sid cookie, got %+v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}
	if rr.Body.String() != cookies[0].Value {
		t.Fatalf("context session %q does not match cookie %q", rr.Body.String(), cookies[0].Value)
	}
}

func TestSessionReusesValidCookie(t *testing.T) {
	handler := Session(SessionOptions{CookieName: "sid"})(echoSession())
	existing := "0b9f5d52-6a43-4a52-9d52-2f4f3f1a7c10"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: existing})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Body.String() != existing {
		t.Fatalf("expected existing session, got %q", rr.Body.String())
	}
}

func TestSessionReplacesForgedCookie(t *testing.T) {
	handler := Session(SessionOptions{CookieName: "sid"})(echoSession())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "../../etc/passwd"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Body.String() == "../../etc/passwd" || rr.Body.String() == "" {
		t.Fatalf("expected a fresh session id, got %q", rr.Body.String())
	}
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	handler := CORS([]string{"https://chat.example.com"})(echoSession())

	req := httptest.NewRequest(http.MethodOptions, "/ask", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://chat.example.com" {
		t.Fatalf("unexpected allow-origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials for explicit origin")
	}
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	handler := CORS([]string{"https://chat.example.com"})(echoSession())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin must not be allowed")
	}
}
