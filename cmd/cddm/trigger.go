package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/IJSComplexMatter/cross-ddm/internal/config"
	"github.com/IJSComplexMatter/cross-ddm/internal/debug"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/gpio"
	"github.com/IJSComplexMatter/cross-ddm/internal/hw/trigger"
	"github.com/IJSComplexMatter/cross-ddm/internal/web"
)

// parseTriggerFlags handles the flags shared by the trigger and simulate commands.
func parseTriggerFlags(name string, args []string) (*config.Config, string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	count := fs.Int("count", 0, "override pulse count")
	mode := fs.Int("mode", -1, "override trigger mode (0-3)")
	port := fs.String("port", "", "serial port of the trigger generator (default: config or scan)")
	outDir := fs.String("out", ".", "directory for the t1_/t2_ index files")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return nil, "", err
	}
	if err := validateCLIOverrides(*count, *mode); err != nil {
		return nil, "", fmt.Errorf("invalid CLI override: %w", err)
	}
	o := web.Overrides{Count: *count}
	if *mode >= 0 {
		o.Mode = mode
	}
	applyOverrides(cfg, o)
	if *port != "" {
		cfg.Serial.Port = *port
	}
	return cfg, *outDir, nil
}

// openTrigger resets the board if configured and connects to it.
func openTrigger(ctx context.Context, cfg *config.Config) (*trigger.Link, error) {
	g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO failed: %w", err)
	}
	defer g.Close()
	return connectTrigger(ctx, cfg, g)
}

func triggerCmd(args []string) error {
	cfg, _, err := parseTriggerFlags("trigger", args)
	if err != nil {
		return err
	}
	tcfg, err := triggerConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	link, err := openTrigger(ctx, cfg)
	if err != nil {
		return err
	}
	defer link.Close()

	debug.PrintStruct("Trigger config", tcfg)
	ack, err := link.Start(ctx, tcfg)
	if err != nil {
		return err
	}
	fmt.Println(ack)
	return nil
}

func simulateCmd(args []string) error {
	cfg, outDir, err := parseTriggerFlags("simulate", args)
	if err != nil {
		return err
	}
	tcfg, err := triggerConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	link, err := openTrigger(ctx, cfg)
	if err != nil {
		return err
	}
	defer link.Close()

	records, err := link.ReadTimestamps(ctx, tcfg)
	if err != nil {
		return err
	}
	t1, t2 := trigger.Split(records)
	if err := writeIndexFiles(outDir, cfg.Trigger.TimestampsName, t1, t2, tcfg.DeltaT); err != nil {
		return err
	}
	fmt.Printf("camera 1: %d triggers, camera 2: %d triggers\n", len(t1), len(t2))
	return nil
}

// writeIndexFiles writes t1_<name>.txt and t2_<name>.txt into dir.
func writeIndexFiles(dir, name string, t1, t2 []uint32, deltaT uint32) error {
	for i, micros := range [][]uint32{t1, t2} {
		path := filepath.Join(dir, fmt.Sprintf("t%d_%s.txt", i+1, name))
		if err := trigger.WriteIndexFile(path, micros, deltaT); err != nil {
			return err
		}
		debug.Info("Wrote %d indices to %s", len(micros), path)
	}
	return nil
}
