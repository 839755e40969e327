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

// Stats is the process-wide signaling/media counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // relay connections opened since process start
	ClosedConns atomic.Int64 // relay connections closed since process start
	FramesSent  atomic.Int64 // signaling frames written
	FramesRecv  atomic.Int64 // signaling frames read
	BytesSent   atomic.Int64 // signaling bytes written
	BytesRecv   atomic.Int64 // signaling + inbound media bytes read
}

func (s *stats) AddConn()    { s.TotalConns.Add(1) }
func (s *stats) RemoveConn() { s.ClosedConns.Add(1) }

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. Quiet periods are not logged. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevFramesSent, prevFramesRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				framesSent := Stats.FramesSent.Load()
				framesRecv := Stats.FramesRecv.Load()
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()

				out := float64(sent-prevSent) / secs
				in := float64(recv-prevRecv) / secs
				if framesSent != prevFramesSent || framesRecv != prevFramesRecv || total != prevTotal || closed != prevClosed {
					pterm.DefaultLogger.Info(formatStats(in, out, framesRecv-prevFramesRecv, framesSent-prevFramesSent, total-prevTotal, closed-prevClosed))
				}

				prevSent, prevRecv = sent, recv
				prevFramesSent, prevFramesRecv = framesSent, framesRecv
				prevTotal, prevClosed = total, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// e.g. "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) out
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(in, out float64, framesIn, framesOut, connIn, connOut int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Frames: %d↓ %d↑ | Conn: %2d↑ %2d↓",
		formatBytes(in),
		formatBytes(out),
		framesIn,
		framesOut,
		connIn,
		connOut,
	)
}
