// Command cec-bridge runs a CEC device on a USB-serial adapter and exposes it
// over HTTP and an optional interactive console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/hdmi-cec/internal/api"
	"github.com/banshee-data/hdmi-cec/internal/bridge"
	"github.com/banshee-data/hdmi-cec/internal/capture"
	"github.com/banshee-data/hdmi-cec/internal/config"
	"github.com/banshee-data/hdmi-cec/internal/console"
	"github.com/banshee-data/hdmi-cec/internal/db"
	"github.com/banshee-data/hdmi-cec/internal/metrics"
	"github.com/banshee-data/hdmi-cec/internal/monitoring"
	"github.com/banshee-data/hdmi-cec/internal/transport"
	"github.com/banshee-data/hdmi-cec/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration (default: "+config.DefaultConfigPath+" if present)")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the API)")
	port        = flag.String("port", "", "Serial port of the CEC adapter (overrides port.path)")
	devMode     = flag.Bool("dev", false, "Use a simulated bus with a TV instead of the adapter")
	dbPath      = flag.String("db", "", "SQLite frame journal path (empty disables journaling)")
	capturePath = flag.String("capture", "", "Write every frame to this capture file")
	replayPath  = flag.String("replay", "", "Inject the frames of a capture file into the simulated bus (requires --dev)")
	replaySpeed = flag.Float64("replay-speed", 1, "Replay speed multiplier; 0 injects back to back")
	interactive = flag.Bool("interactive", false, "Start the interactive console")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 1 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("cec-bridge %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list serial ports: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if err := validateFlags(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(); err != nil {
		monitoring.Logger().Error().Err(err).Msg("cec-bridge failed")
		os.Exit(1)
	}
}

func validateFlags() error {
	if *replayPath != "" && !*devMode {
		return errors.New("--replay requires --dev")
	}
	if *replaySpeed < 0 {
		return fmt.Errorf("--replay-speed must be non-negative, got %g", *replaySpeed)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if *port != "" {
		cfg.Port.Path = *port
	}
	return cfg, nil
}

func run() error {
	logOut := &switchWriter{w: os.Stdout}
	log := monitoring.InitLoggerTo(logOut, "cec-bridge", monitoring.ParseLevel(*logLevel))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		bus    transport.Transport
		sim    *transport.SimBus
		serial *transport.SerialBus[transport.SerialPorter]
	)
	if *devMode {
		sim = transport.NewSimBus(nil)
		sim.AddDevice(simulatedTV())
		bus = sim
		log.Info().Msg("dev mode: using simulated bus with a TV at address 0")
	} else {
		serial, err = transport.NewRealSerialBus(cfg.Port, transport.BusOptions{Logger: monitoring.Component("transport")})
		if err != nil {
			return fmt.Errorf("failed to open CEC adapter: %w", err)
		}
		bus = serial
	}
	defer bus.Close()

	opts := bridge.Options{
		Config:    cfg,
		Transport: bus,
		Logger:    monitoring.Component("bridge"),
		Metrics:   m,
	}
	apiOpts := api.Options{
		Gatherer: reg,
		Metrics:  m,
		Logger:   monitoring.Component("api"),
	}

	var journal *db.DB
	if *dbPath != "" {
		if journal, err = db.NewDB(*dbPath); err != nil {
			return fmt.Errorf("failed to open frame journal: %w", err)
		}
		defer journal.Close()
		opts.Journal = journal
		apiOpts.Journal = journal
		log.Info().Str("path", *dbPath).Str("session", journal.Session()).Msg("journaling frames")
	}

	if *capturePath != "" {
		cw, err := capture.Create(*capturePath, time.Now(), cfg.LogicalAddresses())
		if err != nil {
			return fmt.Errorf("failed to create capture: %w", err)
		}
		defer cw.Close()
		opts.Capture = cw
		log.Info().Str("path", *capturePath).Msg("capturing frames")
	}

	b, err := bridge.New(opts)
	if err != nil {
		return err
	}

	var handler http.Handler
	if *listen != "" {
		srv := api.NewServer(b, apiOpts)
		mux := srv.ServeMux()
		if serial != nil {
			serial.AttachAdminRoutes(mux)
		}
		if journal != nil {
			if err := journal.AttachAdminRoutes(mux); err != nil {
				return fmt.Errorf("failed to attach journal routes: %w", err)
			}
		}
		handler = srv.LoggingMiddleware(mux)
	}

	var con *console.Console
	if *interactive {
		if con, err = console.New(b, console.Config{}); err != nil {
			return err
		}
		logOut.Set(con.Stdout())
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = b.Run(ctx)
		log.Info().Msg("bridge stopped")
		stop()
	}()

	if *replayPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replay(ctx, b, sim)
		}()
	}

	if handler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, handler, stop)
		}()
	}

	if con != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			con.Run(ctx, stop)
			logOut.Set(os.Stdout)
		}()
	}

	wg.Wait()
	log.Info().Msg("graceful shutdown complete")
	return runErr
}

// replay feeds a capture file into the simulated bus once the bridge is up.
func replay(ctx context.Context, b *bridge.Bridge, sim *transport.SimBus) {
	log := monitoring.Component("replay")
	select {
	case <-b.Ready():
	case <-ctx.Done():
		return
	}
	r, err := capture.Open(*replayPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open capture")
		return
	}
	defer r.Close()

	h := r.Header()
	log.Info().Str("session", h.Session).Time("started", h.Started).Msg("replaying capture")
	n, err := capture.Replay(ctx, r, sim, capture.ReplayOptions{Speed: *replaySpeed})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Int("frames", n).Msg("replay failed")
		return
	}
	log.Info().Int("frames", n).Msg("replay finished")
}

func serveHTTP(ctx context.Context, h http.Handler, stop context.CancelFunc) {
	log := monitoring.Component("http")
	server := &http.Server{
		Addr:              *listen,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *listen).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("failed to start server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
		if err := server.Close(); err != nil {
			log.Warn().Err(err).Msg("HTTP server force close error")
		}
	}
	log.Info().Msg("HTTP server routine stopped")
}

// switchWriter lets the console take over log output once it exists.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}
