// Command coordinator runs the distributed inference coordinator: it binds
// a TCP listener, waits for the configured number of workers to register,
// partitions one inference across them layer by layer, and exits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/atsika/distinfer/internal/modelconfig"
	"github.com/atsika/distinfer/internal/orchestrator"
	"github.com/atsika/distinfer/internal/preprocess"
	"github.com/atsika/distinfer/internal/procconfig"
)

func main() {
	app := &cli.App{
		Name:  "coordinator",
		Usage: "drive one distributed quantized-CNN inference across a pool of workers",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Aliases: []string{"n"}, Usage: "number of workers to wait for before starting inference"},
			&cli.StringFlag{Name: "host", Usage: "address to listen on"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "TCP port to listen on"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to the model config JSON"},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "path to the raw CHW uint8 input tensor"},
			&cli.IntFlag{Name: "input-height", Usage: "height of the raw input tensor"},
			&cli.IntFlag{Name: "input-width", Usage: "width of the raw input tensor"},
			&cli.StringFlag{Name: "log-file", Usage: "path to write coordinator logs to"},
			&cli.StringFlag{Name: "procconfig", Usage: "optional viper config file (yaml/json/toml) layered under env and CLI flags"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("[coord] %v", err)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := procconfig.Load(cctx.String("procconfig"), procconfig.Config{
		Host:       cctx.String("host"),
		Port:       cctx.Int("port"),
		Workers:    cctx.Int("workers"),
		ConfigPath: cctx.String("config"),
		InputPath:  cctx.String("input"),
		LogFile:    cctx.String("log-file"),
	})
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", cfg.LogFile, err)
	}
	defer logFile.Close()
	log.SetOutput(logFile)

	fmt.Printf("coordinator starting: %s:%d, waiting for %d workers\n", cfg.Host, cfg.Port, cfg.Workers)
	log.Printf("[coord] starting on %s:%d, workers=%d, config=%s, input=%s", cfg.Host, cfg.Port, cfg.Workers, cfg.ConfigPath, cfg.InputPath)

	if cfg.ConfigPath == "" || cfg.InputPath == "" {
		return fmt.Errorf("--config and --input are required")
	}

	layers, quants, err := modelconfig.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading model config: %w", err)
	}

	inC := layers[0].InChannels
	if inC <= 0 {
		inC = 1
	}
	inH, inW := cctx.Int("input-height"), cctx.Int("input-width")
	if inH <= 0 || inW <= 0 {
		return fmt.Errorf("--input-height and --input-width are required")
	}

	loader := preprocess.RawLoader{C: inC, H: inH, W: inW}
	input, c, h, w, err := loader.Load(cfg.InputPath)
	if err != nil {
		return fmt.Errorf("loading input: %w", err)
	}

	orch := orchestrator.New(
		orchestrator.WithListenAddr(cfg.Host, cfg.Port),
		orchestrator.WithNumWorkers(cfg.Workers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer orch.Stop()

	_, runStats, err := orch.RunInference(ctx, input, c, h, w, layers, quants)
	if err != nil {
		fmt.Printf("coordinator: inference failed: %v\n", err)
		return err
	}

	fmt.Printf("coordinator: inference complete (%d layers, see %s for detail)\n", len(runStats.Layers), cfg.LogFile)
	return nil
}

