package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/loader"
	"github.com/samcharles93/strata/internal/logger"
)

var (
	moveTo      string
	showTensors bool
)

func loadCmd() *cli.Command {
	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:        "move-to",
			Usage:       "move the pool to this device after loading",
			Destination: &moveTo,
		},
		&cli.BoolFlag{
			Name:        "tensors",
			Usage:       "list every loaded tensor",
			Destination: &showTensors,
		},
	)
	return &cli.Command{
		Name:  "load",
		Usage: "Load and dequantize every tensor into a memory pool",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			start := time.Now()
			m, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Close(); err != nil {
					log.Warn("pool clear failed", "error", err)
				}
			}()
			elapsed := time.Since(start)

			if moveTo != "" {
				target, err := device.ParseDevice(moveTo)
				if err != nil {
					return err
				}
				moveStart := time.Now()
				if err := m.Pool().MoveToDevice(target); err != nil {
					return fmt.Errorf("move to %s: %w", target, err)
				}
				log.Info("pool moved", "device", target.String(), "elapsed", time.Since(moveStart).Round(time.Millisecond))
			}

			if showTensors {
				if err := writeTensorTable(os.Stdout, m); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(os.Stdout)
			}
			writeLoadSummary(os.Stdout, m, elapsed)
			return nil
		},
	}
}

func writeTensorTable(w io.Writer, m *loader.Model) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "SCHEME", "SHAPE", "DEVICE", "BYTES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("   ")
	for _, name := range m.Names() {
		a, err := m.Tensor(name)
		if err != nil {
			return err
		}
		scheme := ""
		if d, ok := m.Descriptor(name); ok {
			scheme = d.Scheme.String()
		}
		table.Append([]string{name, scheme, a.Shape().String(), a.Device().String(), formatBytes(a.Bytes())})
	}
	table.Render()
	return nil
}

func writeLoadSummary(w io.Writer, m *loader.Model, elapsed time.Duration) {
	p := m.Pool()
	_, _ = fmt.Fprintf(w, "model:   %s\n", m.Path())
	_, _ = fmt.Fprintf(w, "pool:    %s on %s\n", p.Name(), p.Device())
	_, _ = fmt.Fprintf(w, "tensors: %d\n", p.Len())
	_, _ = fmt.Fprintf(w, "memory:  %s", formatBytes(p.MemoryUsage()))
	if b := p.Budget(); b > 0 {
		_, _ = fmt.Fprintf(w, " of %s", formatBytes(b))
	}
	_, _ = fmt.Fprintf(w, "\nloaded:  %s\n", elapsed.Round(time.Millisecond))
}
