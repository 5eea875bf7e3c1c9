package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lagnet/go-lag-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"broadcasts", snap.Broadcasts,
					"clients", snap.Clients,
					"imposters", snap.Imposters,
					"malformed", snap.Malformed,
					"rejects", snap.AcceptRejects,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
