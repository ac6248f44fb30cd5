package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/kvcache"
	"github.com/samcharles93/strata/internal/logger"
)

var (
	kvWidth  int64
	kvLayers int64
	kvTokens int64
	kvStep   int64
	kvSeed   uint64
)

func kvCmd() *cli.Command {
	return &cli.Command{
		Name:  "kv",
		Usage: "Quantize synthetic keys and values and report compression and error",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "width",
				Usage:       "elements per cached position",
				Value:       128,
				Destination: &kvWidth,
			},
			&cli.Int64Flag{
				Name:        "layers",
				Usage:       "number of layers",
				Value:       4,
				Destination: &kvLayers,
			},
			&cli.Int64Flag{
				Name:        "tokens",
				Usage:       "positions to append per layer",
				Value:       512,
				Destination: &kvTokens,
			},
			&cli.Int64Flag{
				Name:        "step",
				Usage:       "positions appended per call",
				Value:       1,
				Destination: &kvStep,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Value:       1,
				Destination: &kvSeed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg.KVWidth != 0 && !cmd.IsSet("width") {
				kvWidth = int64(cfg.KVWidth)
			}
			if kvWidth <= 0 || kvLayers <= 0 || kvTokens <= 0 || kvStep <= 0 {
				return fmt.Errorf("width, layers, tokens and step must be positive")
			}
			r, err := runKV(int(kvWidth), int(kvLayers), int(kvTokens), int(kvStep), kvSeed)
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Debug("kv simulation done", "layers", kvLayers, "tokens", kvTokens)
			writeKVReport(os.Stdout, r)
			return nil
		},
	}
}

type kvReport struct {
	Width       int
	Layers      int
	Tokens      int
	RawBytes    int64
	StoredBytes int64
	Ratio       float64
	MaxError    float64
	MeanError   float64
}

// runKV appends normally distributed rows to a fresh sequence in chunks of
// step positions and measures reconstruction error against the inputs.
func runKV(width, layers, tokens, step int, seed uint64) (kvReport, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	seq := kvcache.NewSequence(layers, width)
	defer seq.Close()

	rep := kvReport{Width: width, Layers: layers, Tokens: tokens}
	var sumErr float64
	var count int
	for l := range layers {
		keys := make([]float32, tokens*width)
		values := make([]float32, tokens*width)
		for i := range keys {
			keys[i] = float32(rng.NormFloat64())
			values[i] = float32(rng.NormFloat64() * 0.5)
		}
		for pos := 0; pos < tokens; pos += step {
			end := min(pos+step, tokens)
			if err := seq.Append(l, keys[pos*width:end*width], values[pos*width:end*width]); err != nil {
				return rep, err
			}
		}
		c, err := seq.Layer(l)
		if err != nil {
			return rep, err
		}
		gotK, gotV, err := c.DequantRows(0, tokens)
		if err != nil {
			return rep, err
		}
		for i := range keys {
			for _, d := range [2]float64{float64(gotK[i] - keys[i]), float64(gotV[i] - values[i])} {
				d = math.Abs(d)
				rep.MaxError = max(rep.MaxError, d)
				sumErr += d
				count++
			}
		}
	}
	rep.RawBytes = int64(count) * 4
	rep.StoredBytes = seq.StoredBytes()
	rep.Ratio = seq.CompressionRatio()
	if count > 0 {
		rep.MeanError = sumErr / float64(count)
	}
	return rep, nil
}

func writeKVReport(w io.Writer, r kvReport) {
	_, _ = fmt.Fprintf(w, "layers x tokens x width: %d x %d x %d\n", r.Layers, r.Tokens, r.Width)
	_, _ = fmt.Fprintf(w, "raw:        %s\n", formatBytes(r.RawBytes))
	_, _ = fmt.Fprintf(w, "stored:     %s\n", formatBytes(r.StoredBytes))
	_, _ = fmt.Fprintf(w, "ratio:      %.2fx\n", r.Ratio)
	_, _ = fmt.Fprintf(w, "max error:  %.5f\n", r.MaxError)
	_, _ = fmt.Fprintf(w, "mean error: %.5f\n", r.MeanError)
}
