package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()

	os.Setenv("LAG_SERVER_LISTEN", "127.0.0.1:7000")
	os.Setenv("LAG_SERVER_MAX_CLIENTS", "64")
	os.Setenv("LAG_SERVER_TICK_TIMEOUT", "100ms")
	os.Setenv("LAG_SERVER_MDNS_ENABLE", "true")
	os.Setenv("LAG_SERVER_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("LAG_SERVER_LISTEN")
		os.Unsetenv("LAG_SERVER_MAX_CLIENTS")
		os.Unsetenv("LAG_SERVER_TICK_TIMEOUT")
		os.Unsetenv("LAG_SERVER_MDNS_ENABLE")
		os.Unsetenv("LAG_SERVER_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.listenAddr != "127.0.0.1:7000" {
		t.Fatalf("expected listen override, got %s", base.listenAddr)
	}
	if base.maxClients != 64 {
		t.Fatalf("expected maxClients 64 got %d", base.maxClients)
	}
	if base.tickTimeout != 100*time.Millisecond {
		t.Fatalf("expected tickTimeout 100ms got %v", base.tickTimeout)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	os.Setenv("LAG_SERVER_LISTEN", "127.0.0.1:7000")
	t.Cleanup(func() { os.Unsetenv("LAG_SERVER_LISTEN") })
	// Simulate user passed -listen flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"listen": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.listenAddr != "0.0.0.0:6969" {
		t.Fatalf("expected listenAddr unchanged got %s", base.listenAddr)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := validConfig()
	os.Setenv("LAG_SERVER_MAX_CLIENTS", "notint")
	t.Cleanup(func() { os.Unsetenv("LAG_SERVER_MAX_CLIENTS") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := validConfig()
	os.Setenv("LAG_SERVER_TICK_TIMEOUT", "soon")
	t.Cleanup(func() { os.Unsetenv("LAG_SERVER_TICK_TIMEOUT") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
