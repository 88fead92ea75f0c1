package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/cjeanneret/RobArm/internal/config"
	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{val: 8080, defaultPort: 8080}
	flag.Var(webPort, "web", "web server port; -web= for default 8080, -web 8980 for custom port, -web 0 to disable")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4); -1 keeps the config value")
	flag.Parse()

	if err := validateDebugOverride(*debugLevel); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyDebugOverride(cfg, *debugLevel)

	// Log sinks: stdout, optional serial console, web status stream
	sinks := []io.Writer{os.Stdout}
	if cfg.Defaults.SerialConsole != "" {
		console, err := openConsole(cfg.Defaults.SerialConsole, cfg.Defaults.SerialBaud)
		if err != nil {
			log.Fatalf("open serial console failed: %v", err)
		}
		defer console.Close()
		sinks = append(sinks, console)
	}
	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		sinks = append(sinks, web.BroadcastWriter(broadcaster))
	}
	if len(sinks) > 1 {
		debug.SetOutput(io.MultiWriter(sinks...))
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Serial console", cfg.Defaults.SerialConsole)

	sys, err := newSystem(cfg, nil)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer func() {
		if err := sys.Close(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	debug.Summary("RobArm controller ready")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sys.loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sys.service.Run(ctx)
	}()

	if port := webPort.port(); port > 0 {
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, sys.service)
		if err := srv.Run(ctx); err != nil {
			log.Printf("web server: %v", err)
			cancel()
		}
	} else {
		debug.Info("Web server disabled, holding zero gains until stopped")
		<-ctx.Done()
	}
	wg.Wait()
	debug.Section("Shutdown")
}

// openConsole opens the serial port mirroring the debug log.
func openConsole(port string, baud int) (io.WriteCloser, error) {
	p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "serial %s", port)
	}
	return p, nil
}

// validateDebugOverride accepts -1 (keep config) or a level from 0 to 4.
func validateDebugOverride(level int) error {
	if level < -1 || level > debug.LevelTrace {
		return fmt.Errorf("debug must be between 0 and %d (or -1), got %d", debug.LevelTrace, level)
	}
	return nil
}

// applyDebugOverride sets the debug level when level is not -1.
func applyDebugOverride(cfg *config.Config, level int) {
	if level >= 0 {
		cfg.Defaults.DebugLevel = level
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= → default port, -web 8980 → 8980.
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
	if v < 0 || v > 65535 {
		return fmt.Errorf("port must be 0-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
