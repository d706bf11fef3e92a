// Package forward implements the forwarding workers: dedup, fan-out to the
// current destination snapshot, and optional per-shred trace sampling.
package forward

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"shredproxy/internal/check"
	"shredproxy/internal/dedup"
	"shredproxy/internal/destset"
	"shredproxy/internal/ingress"
	"shredproxy/internal/metrics"
	"shredproxy/internal/shred"
	"shredproxy/internal/shutdown"
)

// Pool is the set of forward workers draining the ingress channel.
type Pool struct {
	NumWorkers   int
	In           <-chan ingress.Batch
	Dests        *destset.Set
	Deduper      *dedup.Deduper
	Counters     *metrics.Counters
	Shutdown     *shutdown.Coordinator
	TracePattern uint16
	Log          *slog.Logger
}

// Run spawns NumWorkers goroutines, each owning one unconnected UDP socket
// used to fan a shred out to every current destination, and blocks until
// In closes or shutdown fires.
func (p *Pool) Run() error {
	log := logOrDefault(p.Log)
	n := p.NumWorkers
	if n <= 0 {
		n = 1
	}

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i := 0; i < n; i++ {
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			errOnce.Do(func() { firstErr = err })
			continue
		}
		wg.Add(1)
		go func(conn *net.UDPConn) {
			defer wg.Done()
			defer conn.Close()
			defer p.Shutdown.Recover()
			p.workerLoop(conn)
		}(conn)
	}
	log.Info("forward pool started", "workers", n)
	wg.Wait()
	return firstErr
}

func (p *Pool) workerLoop(conn *net.UDPConn) {
	for {
		select {
		case batch, ok := <-p.In:
			if !ok {
				return
			}
			for _, dg := range batch {
				p.forward(conn, dg)
			}
		case <-p.Shutdown.Done():
			return
		}
	}
}

func (p *Pool) forward(conn *net.UDPConn, dg ingress.Datagram) {
	window := shred.FingerprintWindow(dg.Payload)
	check.Assert(len(window) <= len(dg.Payload), "forward: fingerprint window exceeds payload length")
	if p.Deduper != nil && p.Deduper.Observe(window) {
		if p.Counters != nil {
			p.Counters.Duplicate.Inc()
		}
		return
	}

	var dests destset.Snapshot
	if p.Dests != nil {
		dests = p.Dests.Load()
	}
	if len(dests) == 0 {
		return
	}

	sample := p.TracePattern != 0 && shred.MatchesTracePattern(dg.Payload, p.TracePattern)
	sendStart := time.Now()

	for _, dst := range dests {
		p.send(conn, dst, dg.Payload)
	}

	if sample {
		id, _ := shred.TraceID(dg.Payload)
		logOrDefault(p.Log).Debug("shred trace sample",
			"trace_id", id,
			"from", dg.From.String(),
			"dest_count", len(dests),
			"queue_latency", sendStart.Sub(dg.RecvAt).String(),
		)
	}
}

func (p *Pool) send(conn *net.UDPConn, dst netip.AddrPort, payload []byte) {
	_, err := conn.WriteToUDPAddrPort(payload, dst)
	if err != nil {
		if p.Counters != nil {
			p.Counters.FailForward.Inc()
		}
		return
	}
	if p.Counters != nil {
		p.Counters.SuccessForward.Inc()
	}
}

func logOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
