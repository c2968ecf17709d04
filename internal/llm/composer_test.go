package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestComposer_NotConfigured(t *testing.T) {
	c := NewComposer(Config{})
	if c.IsConfigured() {
		t.Error("expected unconfigured composer")
	}
	if _, err := c.Compose(context.Background(), "habit-suggestion", "x"); err == nil {
		t.Error("expected error without API key")
	}
}

func TestComposer_Compose(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}

		var req request
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 {
			t.Errorf("expected 1 message, got %d", len(req.Messages))
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{
				{"type": "text", "text": "Time for your morning coffee?"},
			},
		})
	}))
	defer ts.Close()

	c := NewComposer(Config{APIKey: "test-key", BaseURL: ts.URL})
	body, err := c.Compose(context.Background(), "habit-suggestion", "pattern=coffee-order@07")
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if body != "Time for your morning coffee?" {
		t.Errorf("body = %q", body)
	}
}

func TestComposer_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewComposer(Config{APIKey: "test-key", BaseURL: ts.URL})
	if _, err := c.Compose(context.Background(), "daily-digest", "x"); err == nil {
		t.Error("expected error on 500")
	}
}
