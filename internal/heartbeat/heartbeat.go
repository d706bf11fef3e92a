// Package heartbeat maintains the authenticated gRPC session to the
// upstream block engine: dial, authenticate, and a periodic heartbeat RPC
// that reconnects with backoff on failure.
package heartbeat

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"shredproxy/internal/authkey"
	"shredproxy/internal/metrics"
	"shredproxy/internal/shutdown"
)

// State is the session's position in the connect/auth/serve lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	authenticateMethod = "/block_engine.AuthService/Authenticate"
	heartbeatMethod    = "/block_engine.BlockEngineValidator/Heartbeat"

	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Config configures the upstream session.
type Config struct {
	// Target is the block engine's "host:port". AuthURL overrides it for
	// the dial target when non-empty (spec §9 Open Question (1): an empty
	// auth_url falls back to the block engine URL).
	Target   string
	AuthURL  string
	Regions  []string
	Insecure bool
	Interval time.Duration // between heartbeats once authenticated

	// Advertised is the proxy's own (public_ip, src_bind_port), carried in
	// every heartbeat so the block engine knows where to route shreds
	// (spec §2, §3, §4.G).
	Advertised netip.AddrPort
}

func (c Config) dialTarget() string {
	if c.AuthURL != "" {
		return c.AuthURL
	}
	return c.Target
}

// Session runs the connect/authenticate/heartbeat loop and reports its
// state transitions and counters.
type Session struct {
	Cfg      Config
	Identity *authkey.Keypair // signs the authenticate challenge; required
	Counters *metrics.Counters
	Shutdown *shutdown.Coordinator
	Log      *slog.Logger

	state State
}

func (s *Session) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Run blocks until the shutdown coordinator fires, repeatedly dialing,
// authenticating, and heartbeating with exponential backoff on failure.
func (s *Session) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if s.Shutdown.ShouldStop() {
			s.setState(StateStopped)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dial()
		if err != nil {
			s.log().Warn("block engine dial failed", "error", err)
			if !s.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		if err := s.authenticate(ctx, conn); err != nil {
			s.log().Warn("block engine authentication failed", "error", err)
			_ = conn.Close()
			if s.Counters != nil {
				s.Counters.HeartbeatFailure.Inc()
			}
			if !s.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		s.setState(StateAuthenticated)
		backoff = minBackoff
		if !s.serveLoop(ctx, conn) {
			_ = conn.Close()
			return
		}
		_ = conn.Close()
	}
}

func (s *Session) setState(st State) {
	s.state = st
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	return s.state
}

func (s *Session) dial() (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if s.Cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(&tls.Config{})
	}

	conn, err := grpc.NewClient(
		s.Cfg.dialTarget(),
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial block engine: %w", err)
	}
	return conn, nil
}

func (s *Session) authenticate(ctx context.Context, conn *grpc.ClientConn) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if s.Identity == nil {
		return fmt.Errorf("authenticate: no identity keypair loaded")
	}

	regions := make([]any, len(s.Cfg.Regions))
	for i, r := range s.Cfg.Regions {
		regions[i] = r
	}

	challenge := s.authChallenge()
	signature := ed25519.Sign(ed25519.PrivateKey(s.Identity.SecretKey[:]), challenge)

	req, err := structpb.NewStruct(map[string]any{
		"role":      "shredstream_subscriber",
		"regions":   regions,
		"public_ip": s.Cfg.Advertised.Addr().String(),
		"port":      strconv.Itoa(int(s.Cfg.Advertised.Port())),
		"pubkey":    []byte(s.Identity.PublicKey[:]),
		"signature": []byte(signature),
	})
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, authenticateMethod, req, resp); err != nil {
		return fmt.Errorf("authenticate rpc: %w", err)
	}
	return nil
}

// authChallenge is the byte message signed by the validator identity key to
// prove ownership of the advertised address, the same fields carried
// in-clear on the request.
func (s *Session) authChallenge() []byte {
	msg := s.Cfg.Advertised.Addr().String() + ":" + strconv.Itoa(int(s.Cfg.Advertised.Port()))
	for _, r := range s.Cfg.Regions {
		msg += "|" + r
	}
	return []byte(msg)
}

// serveLoop heartbeats on Cfg.Interval until failure, shutdown, or ctx
// cancellation. Returns false when the caller should stop entirely rather
// than reconnect (shutdown requested).
func (s *Session) serveLoop(ctx context.Context, conn *grpc.ClientConn) bool {
	interval := s.Cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Shutdown.Done():
			s.setState(StateStopped)
			return false
		case <-ctx.Done():
			s.setState(StateStopped)
			return false
		case <-ticker.C:
			if err := s.sendHeartbeat(ctx, conn); err != nil {
				s.log().Warn("heartbeat failed, reconnecting", "error", err)
				if s.Counters != nil {
					s.Counters.HeartbeatFailure.Inc()
				}
				return true
			}
			if s.Counters != nil {
				s.Counters.HeartbeatSuccess.Inc()
			}
		}
	}
}

func (s *Session) sendHeartbeat(ctx context.Context, conn *grpc.ClientConn) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	regions := make([]any, len(s.Cfg.Regions))
	for i, r := range s.Cfg.Regions {
		regions[i] = r
	}
	req, err := structpb.NewStruct(map[string]any{
		"ts_unix_nanos": float64(time.Now().UnixNano()),
		"public_ip":     s.Cfg.Advertised.Addr().String(),
		"port":          strconv.Itoa(int(s.Cfg.Advertised.Port())),
		"regions":       regions,
	})
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	return conn.Invoke(ctx, heartbeatMethod, req, resp)
}

func (s *Session) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
	case <-s.Shutdown.Done():
		return false
	case <-ctx.Done():
		return false
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}
