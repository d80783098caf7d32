package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marshallengine/marshall/internal/lightcurve"
	"github.com/marshallengine/marshall/pkg/types"
)

func newCleanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Repair master rows and update pending summaries",
		Long: `
Assigns a master row to every object missing one, creates missing
summaries, verifies that every object has exactly one master row and
updates all pending summaries. Exits with status 2 when the verification
fails.
`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			a, _, cleanup, err := opts.open(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := a.Driver().Clean(c.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.stdout, "rescued %d objects, created %d summaries, updated %d\n",
				report.Rescued, report.Created, report.Summaries.Updated)
			return nil
		},
	}
}

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <id>",
		Short: "Recompute the summary of one object",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseSharedID(args[0])
			if err != nil {
				return err
			}
			a, _, cleanup, err := opts.open(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := a.Driver().Refresh(c.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(opts.stdout, "updated %d summaries\n", res.Updated)
			return nil
		},
	}
}

func newLightcurveCommand(opts *rootOptions) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "lightcurve <id>",
		Short: "Export the detections of one object",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseSharedID(args[0])
			if err != nil {
				return err
			}
			f, err := lightcurve.ParseFormat(format)
			if err != nil {
				return err
			}
			a, _, cleanup, err := opts.open(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			w := opts.stdout
			if out != "" {
				file, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer file.Close()
				w = file
			}
			return a.Exporter().Export(c.Context(), id, w, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&format, "format", "f", string(lightcurve.FormatCSV), "output format: csv or json")
	flags.StringVarP(&out, "out", "o", "", "file to write to (default stdout)")
	return cmd
}

func parseSharedID(s string) (types.SharedID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid object id %q", s)
	}
	return types.SharedID(n), nil
}
