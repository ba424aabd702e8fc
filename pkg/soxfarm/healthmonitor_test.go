package soxfarm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soxfarm/soxfarm/internal/events"
)

func TestHealthMonitorProbeSuccessResetsFailures(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	w := startStubWorker(t, 0)
	cfg := HealthConfig{
		CheckURL:         target.URL + "/",
		Interval:         time.Second,
		Timeout:          2 * time.Second,
		FailureThreshold: 2,
		FanOut:           1,
	}
	bus := events.NewBus(1)
	hm := NewHealthMonitor(cfg, NewLogger(LoggingConfig{Level: "error", Format: "text"}), bus, nil, nil)

	hm.mu.Lock()
	hm.failures[w.ID()] = 1
	hm.mu.Unlock()

	hm.probe(context.Background(), w)

	select {
	case ev := <-bus:
		t.Fatalf("did not expect an event on a successful probe, got %+v", ev)
	default:
	}

	hm.mu.Lock()
	failures := hm.failures[w.ID()]
	hm.mu.Unlock()
	if failures != 0 {
		t.Errorf("expected 0 recorded failures after a successful probe, got %d", failures)
	}
}

func TestHealthMonitorEmitsUnhealthyAfterThreshold(t *testing.T) {
	w := startStubWorker(t, 1)
	cfg := HealthConfig{
		// The stub relay is alive but can't reach this target, so the
		// SOCKS5 CONNECT itself fails while the worker stays alive.
		CheckURL:         "http://127.0.0.1:1/",
		Interval:         time.Second,
		Timeout:          500 * time.Millisecond,
		FailureThreshold: 2,
		FanOut:           1,
	}
	bus := events.NewBus(1)
	hm := NewHealthMonitor(cfg, NewLogger(LoggingConfig{Level: "error", Format: "text"}), bus, nil, nil)

	ctx := context.Background()
	hm.probe(ctx, w)

	select {
	case ev := <-bus:
		t.Fatalf("did not expect an event before the failure threshold was reached, got %+v", ev)
	default:
	}

	hm.probe(ctx, w)

	select {
	case ev := <-bus:
		if ev.Kind != events.WorkerUnhealthy || ev.WorkerID != 1 {
			t.Errorf("expected WorkerUnhealthy for worker 1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an unhealthy event after reaching the failure threshold")
	}
}
