package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/IJSComplexMatter/cross-ddm/internal/config"
	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/emitter"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/gpio"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/trigger"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/acquisition"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/capture"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/relay"
	"github.com/IJSComplexMatter/cross-ddm/internal/web"
)

const usage = `usage: cddm [command] [flags]

commands:
  run       arm the cameras, start the trigger and capture frame pairs (default)
  trigger   start the trigger generator only
  simulate  read back simulated trigger times and write t1_/t2_ index files
  worker    capture worker speaking the relay protocol on stdin/stdout (internal)
`

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "trigger":
		err = triggerCmd(args)
	case "simulate":
		err = simulateCmd(args)
	case "worker":
		err = workerCmd(args)
	case "help":
		fmt.Fprint(os.Stderr, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// loadConfig validates the path, loads the file and initializes the debug system.
func loadConfig(path string) (*config.Config, error) {
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", path)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	return cfg, nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	webPort := &webPortFlag{defaultPort: 8080}
	fs.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := fs.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	count := fs.Int("count", 0, "override frame pair count")
	mode := fs.Int("mode", -1, "override trigger mode (0-3)")
	freeRun := fs.Bool("free-run", false, "capture without hardware triggering")
	port := fs.String("port", "", "serial port of the trigger generator (default: config or scan)")
	saveDir := fs.String("save", "", "write frame pairs as PNG files to this directory")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	// Only set values are applied; zero or -1 means "use config default"
	if err := validateCLIOverrides(*count, *mode); err != nil {
		return fmt.Errorf("invalid CLI override: %w", err)
	}
	overrides := web.Overrides{Count: *count}
	if *mode >= 0 {
		overrides.Mode = mode
	}
	if *freeRun {
		off := false
		overrides.Trigger = &off
	}
	applyOverrides(cfg, overrides)
	if *port != "" {
		cfg.Serial.Port = *port
	}

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO failed: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			debug.Warn("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Connecting status publisher")
	var publishers emitter.Multi
	if cfg.MQTT.Broker != "" {
		mq, err := emitter.ConnectMQTT(emitter.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
		})
		if err != nil {
			return err
		}
		defer mq.Close()
		publishers = append(publishers, mq)
	}

	launcher, err := newLauncher(cfg)
	if err != nil {
		return err
	}

	// Build run closure over hardware and base config
	run := func(ctx context.Context, pub emitter.Publisher, overrides web.Overrides) error {
		return executeAcquisition(ctx, applyOverridesToCopy(cfg, overrides), gpioDriver, launcher, pub, *saveDir)
	}

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		pub := append(publishers, broadcaster)

		formDefaults := web.FormConfig{
			Count:    cfg.Trigger.Count,
			Mode:     cfg.Trigger.Mode,
			DeltaTUs: cfg.Trigger.DeltaTUs,
			Trigger:  cfg.Trigger.Enabled,
		}
		srv := web.NewServer(webAddr, broadcaster, func(ctx context.Context, o web.Overrides) error {
			return run(ctx, pub, o)
		}, formDefaults)
		return srv.Run(ctx)
	}

	// Run once with current config (already has CLI overrides applied)
	return run(ctx, publishers, web.Overrides{})
}

// executeAcquisition runs one acquisition and consumes its frame pairs.
func executeAcquisition(ctx context.Context, cfg *config.Config, g gpio.Driver, launcher relay.Launcher, pub emitter.Publisher, saveDir string) error {
	tcfg, err := triggerConfig(cfg)
	if err != nil {
		return err
	}
	job, err := relayJob(cfg)
	if err != nil {
		return err
	}
	if saveDir != "" {
		if err := os.MkdirAll(saveDir, 0o755); err != nil {
			return fmt.Errorf("create save directory: %w", err)
		}
	}

	debug.Step(3, "Starting acquisition")
	s, err := acquisition.Start(ctx, acquisition.Options{
		TriggerEnabled: cfg.Trigger.Enabled,
		Trigger:        tcfg,
		Connect:        newConnector(cfg, g),
		Job:            job,
		Launcher:       launcher,
		Relay:          relay.Options{QueueSize: cfg.Relay.QueueSize, StopTimeout: cfg.StopTimeout()},
		Publisher:      pub,
		ProgressEvery:  progressInterval(cfg.FrameCount()),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	debug.Step(4, "Receiving frame pairs")
	for pair := range s.Frames(ctx) {
		debug.Frame(pair.Index, s.Requested())
		if saveDir != "" {
			if err := savePair(saveDir, pair); err != nil {
				return err
			}
		}
	}

	debug.Summary(fmt.Sprintf("Received %d of %d frame pairs", s.Delivered(), s.Requested()))
	return s.Err()
}

// progressInterval publishes about ten progress events per run.
func progressInterval(count int) int {
	if count < 10 {
		return 0
	}
	return count / 10
}

func savePair(dir string, pair camera.FramePair) error {
	for i, f := range []camera.Frame{pair.Cam1, pair.Cam2} {
		path := filepath.Join(dir, fmt.Sprintf("cam%d_%06d.png", i+1, pair.Index))
		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := png.Encode(out, f.Image()); err != nil {
			out.Close()
			return fmt.Errorf("encode %s: %w", path, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// newLauncher picks how the capture worker is isolated.
func newLauncher(cfg *config.Config) (relay.Launcher, error) {
	if cfg.Relay.Isolation == "goroutine" {
		return relay.GoroutineLauncher{}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable for worker: %w", err)
	}
	return relay.ProcessLauncher{
		Path: exe,
		Args: []string{"worker", "-debug", strconv.Itoa(cfg.Defaults.DebugLevel)},
	}, nil
}

// newConnector resets the board if a reset line is wired, then finds the
// trigger generator on the configured or enumerated ports.
func newConnector(cfg *config.Config, g gpio.Driver) acquisition.Connector {
	return func(ctx context.Context) (acquisition.TriggerLink, error) {
		return connectTrigger(ctx, cfg, g)
	}
}

func connectTrigger(ctx context.Context, cfg *config.Config, g gpio.Driver) (*trigger.Link, error) {
	if err := trigger.ResetBoard(g, cfg.Serial.ResetPin, cfg.ResetPulse()); err != nil {
		return nil, err
	}
	var ports []string
	if cfg.Serial.Port != "" {
		ports = []string{cfg.Serial.Port}
	}
	return trigger.Discover(ctx, ports, trigger.Options{
		Baud:        cfg.Serial.Baud,
		ReadTimeout: cfg.ReadTimeout(),
		Settle:      cfg.SettleDelay(),
		Revision:    trigger.Revision(cfg.Serial.Protocol),
		Progress:    os.Stderr,
	})
}

// triggerConfig converts the YAML trigger section to the wire config.
func triggerConfig(cfg *config.Config) (trigger.Config, error) {
	t := cfg.Trigger
	fits16 := func(name string, v int) error {
		if v < 0 || v > 0xffff {
			return fmt.Errorf("%w: trigger.%s %d does not fit 16 bits", trigger.ErrInvalidConfig, name, v)
		}
		return nil
	}
	for _, f := range []struct {
		name string
		v    int
	}{{"deltat_us", t.DeltaTUs}, {"n", t.N}, {"pulse_width_us", t.PulseWidthUs}, {"strobe_width_us", t.StrobeWidthUs}} {
		if err := fits16(f.name, f.v); err != nil {
			return trigger.Config{}, err
		}
	}
	if t.StrobeDelayUs < -32768 || t.StrobeDelayUs > 32767 {
		return trigger.Config{}, fmt.Errorf("%w: trigger.strobe_delay_us %d does not fit 16 bits", trigger.ErrInvalidConfig, t.StrobeDelayUs)
	}
	if t.Count <= 0 || int64(t.Count) > 0xffffffff {
		return trigger.Config{}, fmt.Errorf("%w: trigger.count %d out of range", trigger.ErrInvalidConfig, t.Count)
	}
	c := trigger.Config{
		Mode:        trigger.Mode(t.Mode),
		Count:       uint32(t.Count),
		DeltaT:      uint32(t.DeltaTUs),
		N:           uint16(t.N),
		PulseWidth:  uint16(t.PulseWidthUs),
		StrobeWidth: uint16(t.StrobeWidthUs),
		StrobeDelay: int16(t.StrobeDelayUs),
	}
	return c, c.Validate()
}

// relayJob builds the worker job from the camera section.
func relayJob(cfg *config.Config) (relay.Job, error) {
	format, err := camera.ParsePixelFormat(cfg.Camera.PixelFormat)
	if err != nil {
		return relay.Job{}, err
	}
	return relay.Job{
		Camera: camera.Settings{
			Driver: cfg.Camera.Driver,
			Sim:    camera.SimOptions{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
		},
		Capture: capture.Options{
			Cam1Serial: cfg.Camera.Cam1Serial,
			Cam2Serial: cfg.Camera.Cam2Serial,
			Count:      cfg.FrameCount(),
			Format:     format,
		},
	}, nil
}

// validateCLIOverrides checks CLI overrides. Zero count and negative mode
// are ignored (they mean "use config default").
func validateCLIOverrides(count, mode int) error {
	if count < 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}
	if mode > 3 || mode < -1 {
		return fmt.Errorf("mode must be between 0 and 3, got %d", mode)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only set override values are applied.
func applyOverrides(cfg *config.Config, overrides web.Overrides) {
	if overrides.Count > 0 {
		cfg.Trigger.Count = overrides.Count
	}
	if overrides.Mode != nil {
		cfg.Trigger.Mode = *overrides.Mode
	}
	if overrides.Trigger != nil {
		cfg.Trigger.Enabled = *overrides.Trigger
	}
}

// applyOverridesToCopy returns a new config with overrides applied.
func applyOverridesToCopy(baseCfg *config.Config, overrides web.Overrides) *config.Config {
	cfg := *baseCfg
	applyOverrides(&cfg, overrides)
	return &cfg
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
