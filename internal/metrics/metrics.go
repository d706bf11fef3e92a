// Package metrics holds the proxy's counters and the periodic aggregator
// that snapshots them for export and ages the deduper.
package metrics

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"shredproxy/internal/dedup"
)

// Counter is a single monotonic non-decreasing counter with a
// snapshot-and-subtract delta, matching spec's "since last report" model.
type Counter struct {
	value    atomic.Uint64
	reported atomic.Uint64
}

// Add increments the counter by delta (hot path, never blocks).
func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Value returns the cumulative value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// SnapshotDelta returns the cumulative value and the delta since the last
// call to SnapshotDelta.
func (c *Counter) SnapshotDelta() (cumulative, delta uint64) {
	cur := c.value.Load()
	prev := c.reported.Swap(cur)
	return cur, cur - prev
}

// Counters is the full set of proxy counters, named per spec §3/§4.H.
type Counters struct {
	Received          Counter
	Duplicate         Counter
	SuccessForward    Counter
	FailForward       Counter
	IngressDrop       Counter
	RefreshFail       Counter
	HeartbeatSuccess  Counter
	HeartbeatFailure  Counter
	RecvBytes         Counter
	RecvPackets       Counter
}

// New creates an empty counter set and registers its observable counters with
// meter, mirroring the teacher's otel tracer-provider wiring in
// cmd/ployzd/main.go but for the metric API rather than tracing.
func New(meter metric.Meter) (*Counters, error) {
	c := &Counters{}
	if meter == nil {
		return c, nil
	}

	register := func(name, desc string, counter *Counter) error {
		_, err := meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(counter.Value()))
				return nil
			}),
		)
		return err
	}

	for _, reg := range []struct {
		name, desc string
		counter    *Counter
	}{
		{"shredproxy.received", "shreds received on the ingress socket", &c.Received},
		{"shredproxy.duplicate", "shreds dropped as duplicates", &c.Duplicate},
		{"shredproxy.forward.success", "successful per-destination sends", &c.SuccessForward},
		{"shredproxy.forward.fail", "failed per-destination sends", &c.FailForward},
		{"shredproxy.ingress.drop", "datagrams dropped due to full ingress channel", &c.IngressDrop},
		{"shredproxy.refresh.fail", "failed destination-refresh ticks", &c.RefreshFail},
		{"shredproxy.heartbeat.success", "successful heartbeats", &c.HeartbeatSuccess},
		{"shredproxy.heartbeat.failure", "failed heartbeats", &c.HeartbeatFailure},
		{"shredproxy.recv.bytes", "bytes received on the ingress socket", &c.RecvBytes},
		{"shredproxy.recv.packets", "packets received on the ingress socket", &c.RecvPackets},
	} {
		if err := register(reg.name, reg.desc, reg.counter); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Reporter periodically snapshots delta counters to the log sink, ages the
// deduper, and performs one final flush on shutdown.
type Reporter struct {
	Counters *Counters
	Deduper  *dedup.Deduper
	Interval time.Duration
	DedupTTL time.Duration
	Log      *slog.Logger
}

// Run blocks until ctx is cancelled or done closes, reporting on Interval.
func (r *Reporter) Run(ctx context.Context, done <-chan struct{}) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xd1ce))

	for {
		select {
		case <-ctx.Done():
			r.report(log)
			return
		case <-done:
			r.report(log)
			return
		case <-ticker.C:
			r.report(log)
			if r.Deduper != nil {
				r.Deduper.MaybeReset(time.Now(), r.DedupTTL, rng)
			}
		}
	}
}

func (r *Reporter) report(log *slog.Logger) {
	if r.Counters == nil {
		return
	}
	recvCum, recvDelta := r.Counters.Received.SnapshotDelta()
	dupCum, dupDelta := r.Counters.Duplicate.SnapshotDelta()
	okCum, okDelta := r.Counters.SuccessForward.SnapshotDelta()
	failCum, failDelta := r.Counters.FailForward.SnapshotDelta()
	dropCum, dropDelta := r.Counters.IngressDrop.SnapshotDelta()
	refreshFailCum, refreshFailDelta := r.Counters.RefreshFail.SnapshotDelta()
	bytesCum, bytesDelta := r.Counters.RecvBytes.SnapshotDelta()
	pktCum, pktDelta := r.Counters.RecvPackets.SnapshotDelta()

	log.Info("metrics report",
		"received", recvCum, "received_delta", recvDelta,
		"duplicate", dupCum, "duplicate_delta", dupDelta,
		"forward_success", okCum, "forward_success_delta", okDelta,
		"forward_fail", failCum, "forward_fail_delta", failDelta,
		"ingress_drop", dropCum, "ingress_drop_delta", dropDelta,
		"refresh_fail", refreshFailCum, "refresh_fail_delta", refreshFailDelta,
		"recv_bytes", bytesCum, "recv_bytes_delta", bytesDelta,
		"recv_packets", pktCum, "recv_packets_delta", pktDelta,
	)
}
