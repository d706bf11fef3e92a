// Package ingress implements the pool of sibling UDP sockets that receive
// shred datagrams and hand them, batched and in arrival order per thread,
// to the forwarding stage.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"shredproxy/internal/metrics"
	"shredproxy/internal/shutdown"
)

// BatchSize is the fixed number of datagrams read per socket syscall.
const BatchSize = 128

// readTimeout bounds how long a worker blocks in the kernel before
// rechecking the shutdown flag.
const readTimeout = 200 * time.Millisecond

const maxDatagramSize = 1232 // shred MTU bound, spec §3

// Datagram is one received shred, already copied out of the read buffer.
type Datagram struct {
	Payload []byte
	From    netip.AddrPort
	RecvAt  time.Time
}

// Batch preserves arrival order within the worker that produced it.
type Batch []Datagram

// Pool is the sibling pool of SO_REUSEPORT sockets bound to the same local
// address, distributed across by the kernel.
type Pool struct {
	Addr       string // "host:port"; port 0 requests ephemeral assignment
	NumWorkers int    // set from config (CLI default min(cpus, 4)); <= 0 runs one worker
	Out        chan<- Batch
	Counters   *metrics.Counters
	Shutdown   *shutdown.Coordinator
	Log        *slog.Logger

	// boundPort is set once the first socket is bound; 0 until then.
	// Exposed through BoundAddr so the heartbeat loop can advertise the
	// real port when the configured port was 0 (ephemeral).
	boundPort int
	portReady chan struct{}
	portOnce  sync.Once
}

// BoundAddr blocks until the first socket is bound and returns the
// resolved "host:port" (port filled in if the configured port was 0).
func (p *Pool) BoundAddr(ctx context.Context) (string, error) {
	p.ensurePortReady()
	select {
	case <-p.portReady:
		host, _, err := net.SplitHostPort(p.Addr)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(host, fmt.Sprint(p.boundPort)), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Pool) ensurePortReady() {
	p.portOnce.Do(func() {
		p.portReady = make(chan struct{})
	})
}

// Run binds NumWorkers sockets and blocks, forwarding batches to Out, until
// the shutdown coordinator fires. Returns the first bind error, if any.
func (p *Pool) Run(ctx context.Context) error {
	p.ensurePortReady()
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	n := p.NumWorkers
	if n <= 0 {
		n = 1
	}

	// Bind the first socket to learn the concrete port (in case the
	// configured port was 0), then bind the rest on that fixed port.
	first, err := listenReusePort(ctx, p.Addr)
	if err != nil {
		return fmt.Errorf("bind ingress socket: %w", err)
	}
	if la, ok := first.LocalAddr().(*net.UDPAddr); ok {
		p.boundPort = la.Port
	}
	close(p.portReady)

	host, _, _ := net.SplitHostPort(p.Addr)
	fixedAddr := net.JoinHostPort(host, fmt.Sprint(p.boundPort))

	conns := make([]*net.UDPConn, 0, n)
	conns = append(conns, first)
	for i := 1; i < n; i++ {
		c, err := listenReusePort(ctx, fixedAddr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return fmt.Errorf("bind ingress socket %d: %w", i, err)
		}
		conns = append(conns, c)
	}

	log.Info("ingress pool listening", "addr", fixedAddr, "workers", len(conns))

	go func() {
		<-p.Shutdown.Done()
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(len(conns))
	for _, c := range conns {
		c := c
		go func() {
			defer wg.Done()
			defer p.Shutdown.Recover()
			p.workerLoop(c)
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) workerLoop(conn *net.UDPConn) {
	pc := ipv4.NewPacketConn(conn)
	bufs := make([][]byte, BatchSize)
	msgs := make([]ipv4.Message, BatchSize)
	for i := range bufs {
		bufs[i] = make([]byte, maxDatagramSize)
		msgs[i].Buffers = [][]byte{bufs[i]}
	}

	for {
		if p.Shutdown.ShouldStop() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if p.Shutdown.ShouldStop() {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}

		batch := make(Batch, 0, n)
		now := time.Now()
		var recvBytes uint64
		for i := 0; i < n; i++ {
			m := msgs[i]
			payload := make([]byte, m.N)
			copy(payload, bufs[i][:m.N])
			recvBytes += uint64(m.N)

			var from netip.AddrPort
			if ua, ok := m.Addr.(*net.UDPAddr); ok {
				if a, ok := netip.AddrFromSlice(ua.IP); ok {
					from = netip.AddrPortFrom(a.Unmap(), uint16(ua.Port))
				}
			}
			batch = append(batch, Datagram{Payload: payload, From: from, RecvAt: now})
		}

		if p.Counters != nil {
			p.Counters.Received.Add(uint64(n))
			p.Counters.RecvPackets.Add(uint64(n))
			p.Counters.RecvBytes.Add(recvBytes)
		}

		p.dispatch(batch)
	}
}

// dispatch hands the batch to the bounded channel. On overflow it drops the
// oldest datagrams in the batch rather than blocking — backpressure must
// never stall the socket read long enough to cause kernel-side loss.
func (p *Pool) dispatch(batch Batch) {
	select {
	case p.Out <- batch:
		return
	default:
	}

	// Channel full: shed the oldest half of this batch and retry with the
	// remainder, bounding memory growth without blocking.
	if len(batch) > 1 {
		kept := batch[len(batch)/2:]
		dropped := len(batch) - len(kept)
		if p.Counters != nil {
			p.Counters.IngressDrop.Add(uint64(dropped))
		}
		select {
		case p.Out <- kept:
			return
		default:
		}
		batch = kept
	}
	if p.Counters != nil {
		p.Counters.IngressDrop.Add(uint64(len(batch)))
	}
}
