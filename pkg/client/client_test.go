package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestClient_Scenarios(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/scenarios" {
			t.Errorf("Expected path /v1/scenarios, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"scenarios": []ScenarioStatus{{ScenarioID: "speed", State: "ACTIVE", FireCount: 2, Outstanding: 1}},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	got, err := c.Scenarios(context.Background())
	if err != nil {
		t.Fatalf("Scenarios failed: %v", err)
	}
	if len(got) != 1 || got[0].ScenarioID != "speed" || got[0].State != "ACTIVE" || got[0].FireCount != 2 {
		t.Errorf("Unexpected scenarios: %+v", got)
	}
}

func TestClient_QueryParams(t *testing.T) {
	tests := []struct {
		name string
		call func(c *Client) error
		path string
		want string
	}{
		{
			name: "Summaries",
			call: func(c *Client) error {
				_, err := c.Summaries(context.Background(), SummaryOptions{ScenarioID: "speed", Live: true})
				return err
			},
			path: "/v1/summaries",
			want: "live=true&scenario_id=speed",
		},
		{
			name: "Evaluations",
			call: func(c *Client) error {
				_, err := c.Evaluations(context.Background(), EvaluationOptions{ScenarioID: "speed", Scope: "scenario"})
				return err
			},
			path: "/v1/evaluations",
			want: "scenario_id=speed&scope=scenario",
		},
		{
			name: "Report",
			call: func(c *Client) error {
				_, err := c.Report(context.Background(), "test_runs", "")
				return err
			},
			path: "/v1/reports",
			want: "table=test_runs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					t.Errorf("Expected path %s, got %s", tt.path, r.URL.Path)
				}
				if r.URL.RawQuery != tt.want {
					t.Errorf("Expected query %q, got %q", tt.want, r.URL.RawQuery)
				}
				w.Write([]byte(`{}`))
			}))
			defer server.Close()

			if err := tt.call(NewClient(server.URL)); err != nil {
				t.Fatalf("call failed: %v", err)
			}
		})
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok","worker":"w1"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	c.SetRetry(3, &ExponentialBackoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2})

	status, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if status.Status != "ok" || status.Worker != "w1" {
		t.Errorf("Unexpected status: %+v", status)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_scope"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	c.SetRetry(3, &ExponentialBackoff{Base: time.Millisecond, Max: time.Millisecond, Factor: 2})

	_, err := c.Evaluations(context.Background(), EvaluationOptions{Scope: "weekly"})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("Expected ErrUnexpectedStatus, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestClient_Unreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	c.SetRetry(1, &ExponentialBackoff{Base: time.Millisecond, Max: time.Millisecond, Factor: 2})
	if _, err := c.Ping(context.Background()); err == nil {
		t.Fatal("Expected error for unreachable daemon")
	}
}
