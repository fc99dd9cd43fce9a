package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/tunnel counter.
var Stats = &stats{}

type stats struct {
	OpenedTunnels atomic.Int64 // tunnels that reached ready
	FailedTunnels atomic.Int64 // tunnels that failed before or after ready
	ClosedTunnels atomic.Int64 // tunnels torn down for any reason
	BytesSent     atomic.Int64 // plaintext bytes written into tunnels
	BytesRecv     atomic.Int64 // plaintext bytes read out of tunnels
}

func (s *stats) AddOpened()    { s.OpenedTunnels.Add(1) }
func (s *stats) AddFailed()    { s.FailedTunnels.Add(1) }
func (s *stats) AddClosed()    { s.ClosedTunnels.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. Quiet intervals are skipped. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := formatDelta(prev, cur, reportInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	opened, failed, closed, sent, recv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		opened: Stats.OpenedTunnels.Load(),
		failed: Stats.FailedTunnels.Load(),
		closed: Stats.ClosedTunnels.Load(),
		sent:   Stats.BytesSent.Load(),
		recv:   Stats.BytesRecv.Load(),
	}
}

// formatDelta renders the difference between two snapshots, or reports
// false when nothing worth logging happened.
func formatDelta(prev, cur snapshot, secs float64) (string, bool) {
	up := float64(cur.sent-prev.sent) / secs
	down := float64(cur.recv-prev.recv) / secs
	opened := cur.opened - prev.opened
	failed := cur.failed - prev.failed
	closed := cur.closed - prev.closed

	if opened == 0 && failed == 0 && closed == 0 && up <= 10 && down <= 10 {
		return "", false
	}
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Tunnels: %2d↑ %2d↓ %2d✗",
		formatBytes(up), formatBytes(down), opened, closed, failed), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed 8-character string,
// for example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps the integer part at two digits ("100.0 KiB" would be 9 chars)
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
