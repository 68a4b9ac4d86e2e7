package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPIssuer_Issue_ParsesClientSecret(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody sessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-realtime","client_secret":{"value":"ek_123","expires_at":1700000060}}`))
	}))
	defer srv.Close()

	iss := NewHTTPIssuer("sk-test", WithBaseURL(srv.URL), WithModel("gpt-realtime"), WithVoice("alloy"))
	cred, err := iss.Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("Authorization=%q", gotAuth)
	}
	if gotPath != "/v1/realtime/sessions" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotBody.Model != "gpt-realtime" || gotBody.Voice != "alloy" {
		t.Fatalf("body=%+v", gotBody)
	}
	if cred.Token != "ek_123" {
		t.Fatalf("token=%q, want ek_123", cred.Token)
	}
	if !cred.ExpiresAt.Equal(time.Unix(1700000060, 0)) {
		t.Fatalf("expiresAt=%v", cred.ExpiresAt)
	}
	if cred.ModelID != "gpt-realtime" {
		t.Fatalf("model=%q", cred.ModelID)
	}
}

func TestHTTPIssuer_Issue_FallsBackToConfiguredModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_1","expires_at":1}}`))
	}))
	defer srv.Close()

	cred, err := NewHTTPIssuer("k", WithBaseURL(srv.URL), WithModel("m1")).Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if cred.ModelID != "m1" {
		t.Fatalf("model=%q, want m1", cred.ModelID)
	}
}

func TestHTTPIssuer_Issue_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPIssuer("k", WithBaseURL(srv.URL)).Issue(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err=%v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d", se.StatusCode)
	}
}

func TestHTTPIssuer_Issue_MissingSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPIssuer("k", WithBaseURL(srv.URL)).Issue(context.Background())
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err=%v, want ErrMissingToken", err)
	}
}

func TestCredential_ValidFor(t *testing.T) {
	now := time.Unix(1000, 0)
	c := Credential{ExpiresAt: now.Add(10 * time.Second)}
	if !c.ValidFor(now, 10*time.Second) {
		t.Fatalf("expected exactly-margin credential to be valid")
	}
	if c.ValidFor(now.Add(time.Millisecond), 10*time.Second) {
		t.Fatalf("expected credential below margin to be invalid")
	}
}
