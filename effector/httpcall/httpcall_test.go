package httpcall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stepflow/engine/engine/decision"
)

func TestEffector_GetSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	e, err := New(time.Second, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := e.Do(context.Background(), decision.Effect{Kind: decision.EffectHTTPGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(res.Bytes) != "pong" {
		t.Errorf("body = %q, want pong", res.Bytes)
	}
}

func TestEffector_ServerErrorMapsToUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := New(time.Second, 0)
	_, err := e.Do(context.Background(), decision.Effect{Kind: decision.EffectHTTPGet, URL: srv.URL})
	if err == nil {
		t.Fatal("expected error for 5xx response")
	}
}

func TestEffector_ExtractPathPullsFieldFromJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"price":"42.50"}}`))
	}))
	defer srv.Close()

	e, _ := New(time.Second, 0)
	res, err := e.Do(context.Background(), decision.Effect{
		Kind: decision.EffectHTTPGet, URL: srv.URL, ExtractPath: "result.price",
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(res.Bytes) != `"42.50"` {
		t.Errorf("extracted bytes = %q, want \"42.50\"", res.Bytes)
	}
	if res.Value != "42.50" {
		t.Errorf("extracted value = %v, want 42.50", res.Value)
	}
}

func TestEffector_PostSendsBody(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e, _ := New(time.Second, 0)
	_, err := e.Do(context.Background(), decision.Effect{Kind: decision.EffectHTTPPost, URL: srv.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
}
