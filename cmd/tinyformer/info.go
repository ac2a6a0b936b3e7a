package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tinyformer/internal/device"
	"github.com/samcharles93/tinyformer/internal/version"
)

func infoCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "info",
		Usage: "Print the host CPU and a default run file",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print everything as one JSON object", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			dev := device.Detect()
			rf := defaultRunFile()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Version  version.Info  `json:"version"`
					Device   device.Report `json:"device"`
					Defaults RunFile       `json:"defaults"`
				}{version.Resolve(), dev, rf})
			}

			_, _ = fmt.Fprintf(w, "cpu:        %s (%s)\n", dev.Brand, dev.Vendor)
			_, _ = fmt.Fprintf(w, "cores:      %d physical, %d logical\n", dev.PhysicalCores, dev.LogicalCores)
			_, _ = fmt.Fprintf(w, "platform:   %s/%s, GOMAXPROCS=%d\n", dev.GOOS, dev.GOARCH, dev.GOMAXPROCS)
			_, _ = fmt.Fprintf(w, "simd:       %s\n", dev.SIMD)
			_, _ = fmt.Fprintf(w, "features:   %s\n\n", strings.Join(dev.Features, " "))
			_, _ = fmt.Fprintln(w, "# default run file")
			enc := yaml.NewEncoder(w)
			enc.SetIndent(2)
			if err := enc.Encode(rf); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
