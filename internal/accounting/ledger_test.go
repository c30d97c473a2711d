package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"imagine/internal/domain"
)

func TestReserveReturnsUsageID(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/usages" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"usage-1"}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, APIKey: "k"})
	usageID, err := client.Reserve(context.Background(), "user-1", 1.0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if usageID != "usage-1" {
		t.Fatalf("usage id = %q", usageID)
	}
	if gotBody["user_id"] != "user-1" || gotBody["asset"] != "coin" || gotBody["variant"] != "imagine" {
		t.Fatalf("reserve payload = %v", gotBody)
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"insufficient"}`, http.StatusPaymentRequired)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	_, err := client.Reserve(context.Background(), "user-1", 1.0)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestCancelIgnoresMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	if err := client.Cancel(context.Background(), "gone"); err != nil {
		t.Fatalf("cancel of missing usage should be tolerated: %v", err)
	}
	if err := client.Cancel(context.Background(), ""); err != nil {
		t.Fatalf("cancel of empty usage id should be a no-op: %v", err)
	}
}

func TestQuotaWithoutRedis(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/quotas" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("user_id") != "user-1" {
			t.Errorf("user_id = %q", r.URL.Query().Get("user_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quota": 12.5}`))
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	quota, err := client.Quota(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if quota != 12.5 {
		t.Fatalf("quota = %v", quota)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
