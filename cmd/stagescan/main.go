package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cjeanneret/stagescan/internal/config"
	"github.com/cjeanneret/stagescan/internal/debug"
	"github.com/cjeanneret/stagescan/internal/hw/gpio"
	"github.com/cjeanneret/stagescan/internal/logic/geometry"
	"github.com/cjeanneret/stagescan/internal/station"
	"github.com/cjeanneret/stagescan/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	scan := &scanFlag{}
	flag.Var(scan, "scan", "run one headless scan and exit, as start:target:step in mm (e.g. 0:10:0.5)")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	flag.Parse()

	if webPort.port() == 0 && !scan.set {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -web or -scan")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("load .env failed: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatalf("invalid environment: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock devices", cfg.Defaults.MockDevices)
	debug.PrintStruct("Axes", cfg.Axes)

	// The GPIO driver is only needed for a hardware camera trigger.
	var gpioDriver gpio.Driver
	if cfg.Camera.Trigger.Pin > 0 {
		debug.Step(1, "Initializing GPIO driver")
		gpioDriver, err = gpio.NewDriver(cfg.Defaults.MockDevices)
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
	}

	debug.Step(2, "Building station")
	st, err := station.New(cfg, gpioDriver)
	if err != nil {
		log.Fatalf("init station failed: %v", err)
	}
	defer func() {
		if err := st.Stop(); err != nil {
			log.Printf("stopping station failed: %v", err)
		}
	}()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		st.OnUpdate(func(snap station.Snapshot) {
			broadcaster.Publish(web.KindState, snap)
		})

		formDefaults := web.FormConfig{
			Axes:     cfg.AxisNames(),
			ScanAxis: cfg.Scan.Axis,
			JogStep:  jogStep(cfg),
			Label:    cfg.Camera.Label,
		}
		srv, err := web.NewServer(webAddr, st, broadcaster, debug.Default(), formDefaults)
		if err != nil {
			log.Fatalf("init web server failed: %v", err)
		}
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := runScan(ctx, st, *scan); err != nil {
		log.Printf("scan failed: %v", err)
		st.Stop()
		os.Exit(1)
	}
}

// runScan connects the station, sweeps once and reports the captures.
func runScan(ctx context.Context, st *station.Station, scan scanFlag) error {
	debug.Step(3, "Connecting hardware")
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	debug.Section("Starting Scan")
	res, err := st.Scan(ctx, scan.start, scan.target, scan.step)
	if err != nil {
		return err
	}

	debug.Summary("Scan Summary")
	debug.Info("%s: %d captures", res.Plan, len(res.Records))
	for _, r := range res.Records {
		if r.Incomplete {
			debug.Info("  #%d at %.4f mm: incomplete frame", r.Index, r.Position)
			continue
		}
		debug.Info("  #%d at %.4f mm: %s", r.Index, r.Position, r.Filename)
	}
	return nil
}

// jogStep returns the initial jog step of the scan axis.
func jogStep(cfg *config.Config) float64 {
	if a, ok := cfg.Axis(cfg.Scan.Axis); ok {
		return a.JogStepMm
	}
	return 0
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// scanFlag implements flag.Value for -scan start:target:step.
type scanFlag struct {
	start, target, step float64
	set                 bool
}

func (f *scanFlag) String() string {
	if f == nil || !f.set {
		return ""
	}
	return fmt.Sprintf("%g:%g:%g", f.start, f.target, f.step)
}

func (f *scanFlag) Set(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return fmt.Errorf("scan must be start:target:step, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return fmt.Errorf("scan value %q: %w", p, err)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fmt.Errorf("scan value %q must be finite", p)
		}
		v[i] = n
	}
	if _, err := geometry.NewScanPlan(v[0], v[1], v[2]); err != nil {
		return err
	}
	f.start, f.target, f.step, f.set = v[0], v[1], v[2], true
	return nil
}
