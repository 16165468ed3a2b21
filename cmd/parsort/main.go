package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/accelkit/parprim/fixtures"
	"github.com/accelkit/parprim/internal/config"
	"github.com/accelkit/parprim/internal/logger"
	"github.com/accelkit/parprim/pkg/compute"
	"github.com/accelkit/parprim/pkg/radix"
)

var (
	cfg        *config.Config
	rootLogger *zap.Logger
)

func main() {
	var configPath string

	app := &cli.App{
		Name:  "parsort",
		Usage: "Benchmark and verify the parprim radix sort",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a parsort config file",
				EnvVars:     []string{"PARSORT_CONFIG"},
				Destination: &configPath,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if configPath != "" {
				cfg, err = config.LoadConfig(configPath)
			} else {
				cfg = config.DefaultConfig()
			}
			if err != nil {
				return err
			}
			rootLogger, err = logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			rootLogger = rootLogger.Named("parsort")
			return nil
		},
		Commands: []*cli.Command{
			benchCommand(),
			verifyCommand(),
			initConfigCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if rootLogger != nil {
			rootLogger.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openStack builds the device, compiler and sorter from the loaded
// config. scanOverride replaces the configured scan algorithm when not
// empty.
func openStack(log *zap.Logger, scanOverride string) (*compute.Device, *radix.Sorter, error) {
	devOpts := []compute.Option{
		compute.WithName(cfg.Device.Name),
		compute.WithWarpSize(cfg.Device.WarpSize),
		compute.WithBlocksPerCore(cfg.Device.BlocksPerCore),
		compute.WithSharedMemPerBlock(cfg.Device.SharedMemPerBlock),
		compute.WithLogger(log),
	}
	if cfg.Device.MaxResidentBlocks > 0 {
		devOpts = append(devOpts, compute.WithMaxResidentBlocks(cfg.Device.MaxResidentBlocks))
	}
	dev, err := compute.Open(devOpts...)
	if err != nil {
		return nil, nil, err
	}

	algoName := cfg.Sort.ScanAlgorithm
	if scanOverride != "" {
		algoName = scanOverride
	}
	algo, err := radix.ParseScanAlgo(algoName)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}

	comp := compute.NewCompiler(dev, log)
	sorter, err := radix.New(dev, comp, nil,
		radix.WithLogger(log),
		radix.WithTuning(radix.Tuning{
			CountBlockSize:      cfg.Sort.CountBlockSize,
			ScanBlockSize:       cfg.Sort.ScanBlockSize,
			SortBlockSize:       cfg.Sort.SortBlockSize,
			SinglePassThreshold: cfg.Sort.SinglePassThreshold,
			MaxKeys:             cfg.Sort.MaxKeys,
			ScanAlgo:            algo,
		}),
	)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return dev, sorter, nil
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write a starter config file with the default settings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Value: "parsort.yaml",
				Usage: "Destination path",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing file",
			},
		},
		Action: func(c *cli.Context) error {
			out := c.String("out")
			if !c.Bool("force") {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", out)
				}
			}
			if err := os.WriteFile(out, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			rootLogger.Info("config written", zap.String("path", out))
			return nil
		},
	}
}
