package heartbeat

import (
	"context"
	"crypto/ed25519"
	"net/netip"
	"testing"
	"time"

	"shredproxy/internal/authkey"
	"shredproxy/internal/shutdown"
)

func TestDialTargetFallsBackToBlockEngineURL(t *testing.T) {
	cfg := Config{Target: "engine:443"}
	if got := cfg.dialTarget(); got != "engine:443" {
		t.Fatalf("expected fallback to Target, got %q", got)
	}

	cfg.AuthURL = "auth:443"
	if got := cfg.dialTarget(); got != "auth:443" {
		t.Fatalf("expected AuthURL to take precedence, got %q", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting:    "connecting",
		StateAuthenticated: "authenticated",
		StateStopped:       "stopped",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
}

func TestSleepBackoffDoublesAndCaps(t *testing.T) {
	s := &Session{Shutdown: shutdown.New()}
	backoff := minBackoff
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ok := s.sleepBackoff(ctx, &backoff)
		if !ok {
			t.Fatalf("sleepBackoff returned false unexpectedly at iteration %d", i)
		}
	}
	if backoff != maxBackoff {
		t.Fatalf("expected backoff to cap at %v, got %v", maxBackoff, backoff)
	}
}

func TestSleepBackoffReturnsFalseOnShutdown(t *testing.T) {
	coord := shutdown.New()
	coord.Trigger()
	s := &Session{Shutdown: coord}
	backoff := minBackoff
	if s.sleepBackoff(context.Background(), &backoff) {
		t.Fatalf("expected sleepBackoff to return false once shutdown has fired")
	}
}

func TestRunStopsImmediatelyWhenShutdownAlreadyTriggered(t *testing.T) {
	coord := shutdown.New()
	coord.Trigger()
	s := &Session{Cfg: Config{Target: "127.0.0.1:1"}, Shutdown: coord}

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return promptly when shutdown was pre-triggered")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected final state stopped, got %v", s.State())
	}
}

func TestAuthChallengeIsVerifiableWithIdentity(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp := &authkey.Keypair{}
	copy(kp.SecretKey[:], priv)
	copy(kp.PublicKey[:], pub)

	s := &Session{
		Cfg: Config{
			Regions:    []string{"ny", "ams"},
			Advertised: netip.MustParseAddrPort("203.0.113.4:20000"),
		},
		Identity: kp,
	}

	challenge := s.authChallenge()
	signature := ed25519.Sign(ed25519.PrivateKey(kp.SecretKey[:]), challenge)
	if !ed25519.Verify(ed25519.PublicKey(kp.PublicKey[:]), challenge, signature) {
		t.Fatalf("expected signature to verify against the challenge bytes")
	}
}

func TestAuthenticateFailsWithoutIdentity(t *testing.T) {
	s := &Session{Cfg: Config{Regions: []string{"ny"}}}
	if err := s.authenticate(context.Background(), nil); err == nil {
		t.Fatalf("expected authenticate to fail without an identity keypair")
	}
}
