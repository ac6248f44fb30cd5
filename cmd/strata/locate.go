package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/safetensors"
)

var (
	locateJSON   bool
	locateFilter string
)

type locateRow struct {
	Name   string `json:"name"`
	Scheme string `json:"scheme"`
	Shape  []int  `json:"shape"`
	File   string `json:"file"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Scale  string `json:"scale,omitempty"`
}

func locateCmd() *cli.Command {
	return &cli.Command{
		Name:  "locate",
		Usage: "List tensor locations without reading payloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "tensor file or directory of shards",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit JSON instead of a table",
				Destination: &locateJSON,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only show tensors whose name contains this substring",
				Destination: &locateFilter,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := safetensors.Locate(modelPath)
			if err != nil {
				return err
			}
			rows := locateRows(m, locateFilter)
			if locateJSON {
				return writeLocateJSON(os.Stdout, rows)
			}
			writeLocateTable(os.Stdout, rows)
			_, _ = fmt.Fprintf(os.Stdout, "\n%d tensors in %d shard(s)\n", len(rows), len(safetensors.Shards(m)))
			return nil
		},
	}
}

func locateRows(m map[string]safetensors.Descriptor, filter string) []locateRow {
	var rows []locateRow
	for _, name := range safetensors.SortedNames(m) {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		d := m[name]
		rows = append(rows, locateRow{
			Name:   name,
			Scheme: d.Scheme.String(),
			Shape:  d.Shape,
			File:   d.Location.File,
			Offset: d.Location.Offset,
			Length: d.Location.Length,
			Scale:  d.ScaleName,
		})
	}
	return rows
}

func writeLocateJSON(w io.Writer, rows []locateRow) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func writeLocateTable(w io.Writer, rows []locateRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "SCHEME", "SHAPE", "FILE", "OFFSET", "BYTES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("   ")
	for _, r := range rows {
		table.Append([]string{
			r.Name,
			r.Scheme,
			formatShape(r.Shape),
			baseName(r.File),
			fmt.Sprint(r.Offset),
			formatBytes(r.Length),
		})
	}
	table.Render()
}
