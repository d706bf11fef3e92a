// Command shredproxy fans incoming shred datagrams out to a set of
// forwarding destinations, optionally maintaining an authenticated
// upstream session that supplies the destination set dynamically.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"shredproxy/internal/authkey"
	"shredproxy/internal/config"
	"shredproxy/internal/dedup"
	"shredproxy/internal/destset"
	"shredproxy/internal/forward"
	"shredproxy/internal/heartbeat"
	"shredproxy/internal/ingress"
	"shredproxy/internal/logging"
	"shredproxy/internal/metrics"
	"shredproxy/internal/publicip"
	"shredproxy/internal/refresh"
	"shredproxy/internal/shutdown"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	mp := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(mp)
	defer func() {
		_ = mp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	listenAddr      string
	ingressWorkers  int
	forwardWorkers  int
	destStatic      []string
	discoveryURL    string
	discoveryPort   int
	refreshInterval time.Duration
	dedupTTL        time.Duration
	tracePattern    uint16
	metricsInterval time.Duration
	logLevel        string
	debug           bool

	blockEngineURL string
	authURL        string
	regions        []string
	identityFile   string
	publicIP       string
}

func (f *cliFlags) bindCommon(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.listenAddr, "listen-addr", "0.0.0.0:20000", "UDP address to receive shreds on")
	cmd.Flags().IntVar(&f.ingressWorkers, "ingress-workers", defaultIngressWorkers(), "number of SO_REUSEPORT ingress sockets")
	cmd.Flags().IntVar(&f.forwardWorkers, "forward-workers", defaultIngressWorkers(), "number of forwarding workers")
	cmd.Flags().StringSliceVar(&f.destStatic, "dest-static", nil, "static destination host:port entries")
	cmd.Flags().StringVar(&f.discoveryURL, "discovery-url", "", "HTTP endpoint returning a newline-delimited list of bare IP addresses")
	cmd.Flags().IntVar(&f.discoveryPort, "discovered-endpoints-port", 0, "port paired with every address returned by discovery-url (required together with it)")
	cmd.Flags().DurationVar(&f.refreshInterval, "refresh-interval", 30*time.Second, "destination refresh interval")
	cmd.Flags().DurationVar(&f.dedupTTL, "dedup-ttl", 2*time.Minute, "dedup generation lifetime")
	cmd.Flags().Uint16Var(&f.tracePattern, "trace-pattern", 0, "trace-id pattern to sample for debug logging (0 disables)")
	cmd.Flags().DurationVar(&f.metricsInterval, "metrics-interval", 15*time.Second, "metrics reporting interval")
	cmd.Flags().StringVar(&f.logLevel, "log-level", logging.LevelInfo, "log level")
	cmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "enable debug logging")
}

func (f *cliFlags) bindShredstream(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.blockEngineURL, "block-engine-url", "", "block engine host:port")
	cmd.Flags().StringVar(&f.authURL, "auth-url", "", "auth endpoint host:port (defaults to block-engine-url)")
	cmd.Flags().StringSliceVar(&f.regions, "regions", nil, "subscribed shred regions")
	cmd.Flags().StringVar(&f.identityFile, "identity-keypair-file", "", "validator identity keypair file")
	cmd.Flags().StringVar(&f.publicIP, "public-ip", "", "advertised public IP (resolved automatically if unset)")
}

func (f *cliFlags) toConfig(mode string) config.Config {
	return config.Config{
		Mode:            mode,
		ListenAddr:      f.listenAddr,
		IngressWorkers:  f.ingressWorkers,
		ForwardWorkers:  f.forwardWorkers,
		DestStatic:      f.destStatic,
		DiscoveryURL:    f.discoveryURL,
		DiscoveryPort:   f.discoveryPort,
		RefreshInterval: config.Duration(f.refreshInterval),
		BlockEngineURL:  f.blockEngineURL,
		AuthURL:         f.authURL,
		Regions:         f.regions,
		IdentityFile:    f.identityFile,
		PublicIP:        f.publicIP,
		DedupTTL:        config.Duration(f.dedupTTL),
		TracePattern:    f.tracePattern,
		MetricsEvery:    config.Duration(f.metricsInterval),
		LogLevel:        f.logLevel,
	}
}

func defaultIngressWorkers() int {
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}

func rootCmd() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "shredproxy",
		Short: "Shred forwarding proxy",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := flags.logLevel
			if flags.debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}

	cmd.AddCommand(forwardOnlyCmd(flags), shredstreamCmd(flags), shredstreamFileConfigCmd())
	return cmd
}

func forwardOnlyCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward-only",
		Short: "Forward to a static or discovered destination set without an upstream session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags.toConfig(config.ModeForwardOnly)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	flags.bindCommon(cmd)
	return cmd
}

func shredstreamCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shredstream",
		Short: "Subscribe to the upstream block engine and forward its shred feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags.toConfig(config.ModeShredstream)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	flags.bindCommon(cmd)
	flags.bindShredstream(cmd)
	return cmd
}

func shredstreamFileConfigCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "shredstream-file-config",
		Short: "Run in shredstream mode using a YAML configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := config.Config{Mode: config.ModeShredstream}
			cfg, err := config.LoadYAMLFile(path, base)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "path to YAML configuration file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// run wires every component per the resolved configuration and blocks
// until shutdown is triggered, logging a final summary line on exit.
func run(ctx context.Context, cfg config.Config) error {
	log := slog.Default()
	coord := shutdown.New()
	stopSignals := coord.Install()
	defer stopSignals()

	meter := otel.GetMeterProvider().Meter("shredproxy")
	counters, err := metrics.New(meter)
	if err != nil {
		return err
	}

	dests := destset.New(nil)
	deduper := dedup.New(dedup.NumBits, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xfeed)))

	ingressCh := make(chan ingress.Batch, 1024)
	ingressPool := &ingress.Pool{
		Addr:       cfg.ListenAddr,
		NumWorkers: cfg.IngressWorkers,
		Out:        ingressCh,
		Counters:   counters,
		Shutdown:   coord,
		Log:        log,
	}

	forwardPool := &forward.Pool{
		NumWorkers:   cfg.ForwardWorkers,
		In:           ingressCh,
		Dests:        dests,
		Deduper:      deduper,
		Counters:     counters,
		Shutdown:     coord,
		TracePattern: cfg.TracePattern,
		Log:          log,
	}

	refresher := &refresh.Refresher{
		Cfg: refresh.Config{
			Static:        cfg.DestStatic,
			DiscoveryURL:  cfg.DiscoveryURL,
			DiscoveryPort: uint16(cfg.DiscoveryPort),
			Interval:      time.Duration(cfg.RefreshInterval),
		},
		Dests:    dests,
		Counters: counters,
		Log:      log,
	}

	reporter := &metrics.Reporter{
		Counters: counters,
		Deduper:  deduper,
		Interval: time.Duration(cfg.MetricsEvery),
		DedupTTL: time.Duration(cfg.DedupTTL),
		Log:      log,
	}

	go func() {
		if err := ingressPool.Run(ctx); err != nil {
			log.Error("ingress pool exited", "error", err)
			coord.Trigger()
		}
	}()
	go func() {
		if err := forwardPool.Run(); err != nil {
			log.Error("forward pool exited", "error", err)
			coord.Trigger()
		}
	}()
	go refresher.Run(ctx, coord.Done())
	go reporter.Run(ctx, coord.Done())

	if cfg.Mode == config.ModeShredstream {
		identity, err := authkey.Load(cfg.IdentityFile)
		if err != nil {
			return err
		}

		resolver := publicip.NewHTTPResolver(publicip.DefaultEndpoint, nil)
		publicAddr, err := publicip.ResolveOrFallback(ctx, resolver, cfg.PublicIP)
		if err != nil {
			return fmt.Errorf("resolve public ip: %w", err)
		}

		boundAddr, err := ingressPool.BoundAddr(ctx)
		if err != nil {
			return fmt.Errorf("wait for ingress bind: %w", err)
		}
		_, portStr, err := net.SplitHostPort(boundAddr)
		if err != nil {
			return fmt.Errorf("ingress bound address %q: %w", boundAddr, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("ingress bound port %q: %w", portStr, err)
		}

		session := &heartbeat.Session{
			Cfg: heartbeat.Config{
				Target:     cfg.BlockEngineURL,
				AuthURL:    cfg.ResolvedAuthURL(),
				Regions:    cfg.Regions,
				Advertised: netip.AddrPortFrom(publicAddr, uint16(port)),
			},
			Identity: identity,
			Counters: counters,
			Shutdown: coord,
			Log:      log,
		}
		go session.Run(ctx)
	}

	<-coord.Done()
	log.Info("shredproxy shutting down",
		"received", counters.Received.Value(),
		"duplicate", counters.Duplicate.Value(),
		"forward_success", counters.SuccessForward.Value(),
		"forward_fail", counters.FailForward.Value(),
	)
	return nil
}
