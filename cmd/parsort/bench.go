package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/accelkit/parprim/pkg/compute"
	"github.com/accelkit/parprim/pkg/radix"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Time radix sorts across input sizes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sizes",
				Value: "4096,65536,1048576",
				Usage: "Comma-separated input sizes",
			},
			&cli.IntFlag{
				Name:  "reps",
				Value: 10,
				Usage: "Timed repetitions per size",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Value: 1,
				Usage: "Seed for the key generator",
			},
			&cli.StringFlag{
				Name:  "window",
				Value: "0:32",
				Usage: "Bit window to sort, start:end",
			},
			&cli.BoolFlag{
				Name:  "pairs",
				Usage: "Sort key/value pairs instead of bare keys",
			},
			&cli.StringFlag{
				Name:  "scan",
				Usage: "Override the scan algorithm: host, singleWG or parallel",
			},
			&cli.BoolFlag{
				Name:  "log-passes",
				Usage: "Log per-pass stage timings",
			},
		},
		Action: runBench,
	}
}

func runBench(c *cli.Context) error {
	banner := figure.NewFigure("parsort", "", true)
	banner.Print()
	fmt.Println()

	sizes, err := parseSizes(c.String("sizes"))
	if err != nil {
		return err
	}
	startBit, endBit, err := parseWindow(c.String("window"))
	if err != nil {
		return err
	}
	reps := c.Int("reps")
	if reps < 1 {
		return fmt.Errorf("reps must be at least 1, got %d", reps)
	}

	log := rootLogger.Named("bench")
	dev, sorter, err := openStack(log, c.String("scan"))
	if err != nil {
		return err
	}
	defer dev.Close()
	defer sorter.Close()

	if c.Bool("log-passes") {
		sorter.SetFlag(radix.Log)
	}

	log.Info("starting benchmark",
		zap.Ints("sizes", sizes),
		zap.Int("reps", reps),
		zap.Int("startBit", startBit),
		zap.Int("endBit", endBit),
		zap.Bool("pairs", c.Bool("pairs")),
	)

	rng := rand.New(rand.NewSource(c.Int64("seed")))
	fmt.Printf("%12s  %12s  %10s  %12s\n", "keys", "mean ms", "stddev ms", "Mkeys/s")
	for _, n := range sizes {
		if err := benchSize(dev, sorter, rng, n, reps, startBit, endBit, c.Bool("pairs")); err != nil {
			return fmt.Errorf("bench %d keys: %w", n, err)
		}
	}
	return nil
}

func benchSize(dev *compute.Device, sorter *radix.Sorter, rng *rand.Rand, n, reps, startBit, endBit int, pairs bool) error {
	keys := make([]uint32, n)
	for i := range keys {
		keys[i] = rng.Uint32()
	}

	srcKeys, err := compute.NewBuffer[uint32](dev, n)
	if err != nil {
		return err
	}
	defer srcKeys.Release()
	dstKeys, err := compute.NewBuffer[uint32](dev, n)
	if err != nil {
		return err
	}
	defer dstKeys.Release()
	if err := srcKeys.Upload(nil, keys); err != nil {
		return err
	}

	var srcVals, dstVals *compute.Buffer[uint32]
	if pairs {
		vals := make([]uint32, n)
		for i := range vals {
			vals[i] = uint32(i)
		}
		if srcVals, err = compute.NewBuffer[uint32](dev, n); err != nil {
			return err
		}
		defer srcVals.Release()
		if dstVals, err = compute.NewBuffer[uint32](dev, n); err != nil {
			return err
		}
		defer dstVals.Release()
		if err := srcVals.Upload(nil, vals); err != nil {
			return err
		}
	}

	runOnce := func() error {
		if pairs {
			src := radix.KeyValue{Keys: srcKeys, Values: srcVals}
			dst := radix.KeyValue{Keys: dstKeys, Values: dstVals}
			if err := sorter.SortPairs(src, dst, n, startBit, endBit, nil); err != nil {
				return err
			}
		} else {
			if err := sorter.SortKeys(srcKeys, dstKeys, n, startBit, endBit, nil); err != nil {
				return err
			}
		}
		return dev.DefaultStream().Sync()
	}

	// Warm up once so kernel compilation and scratch growth stay out
	// of the timed reps.
	if err := runOnce(); err != nil {
		return err
	}

	samples := make([]float64, 0, reps)
	for rep := 0; rep < reps; rep++ {
		start := time.Now()
		if err := runOnce(); err != nil {
			return err
		}
		samples = append(samples, float64(time.Since(start).Microseconds())/1000.0)
	}

	mean := stat.Mean(samples, nil)
	sd := stat.StdDev(samples, nil)
	throughput := 0.0
	if mean > 0 {
		throughput = float64(n) / (mean / 1000.0) / 1e6
	}
	fmt.Printf("%12d  %12.3f  %10.3f  %12.2f\n", n, mean, sd, throughput)
	return nil
}

func parseSizes(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid size %q", p)
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no sizes given")
	}
	return sizes, nil
}

func parseWindow(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid window %q, want start:end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window start %q", parts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid window end %q", parts[1])
	}
	return start, end, nil
}
