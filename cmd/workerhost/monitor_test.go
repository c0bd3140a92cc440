package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/faaskit/hostchannel/internal/worker"
)

func TestFetchStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("path = %q, want /status", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(worker.Stats{
			WorkerID: "w1",
			State:    "initialized",
			QueueDepths: map[string]int{"f1": 2},
		})
	}))
	defer srv.Close()

	stats, err := fetchStats(srv.URL)
	if err != nil {
		t.Fatalf("fetchStats: %v", err)
	}
	if stats.WorkerID != "w1" || stats.State != "initialized" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.QueueDepths["f1"] != 2 {
		t.Fatalf("QueueDepths[f1] = %d, want 2", stats.QueueDepths["f1"])
	}
}

func TestFetchStatsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := fetchStats(srv.URL); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestSortedKeys(t *testing.T) {
	got := sortedKeys(map[string]string{"b": "1", "a": "2", "c": "3"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
