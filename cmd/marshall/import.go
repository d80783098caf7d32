package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marshallengine/marshall/internal/feeders"
)

// allSurveys imports every survey with a feeder configured.
const allSurveys = "all"

func newImportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <survey> [days]",
		Short: "Import recent detections of a survey",
		Long: fmt.Sprintf(`
Downloads the detections of the last [days] days (default from the
configuration) from a survey feed, matches them onto known objects and
updates the affected summaries.

Surveys: %s, or %q for every configured survey.
`, strings.Join(feeders.Known(), ", "), allSurveys),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			survey := strings.ToLower(args[0])
			days, err := parseDays(args[1:])
			if err != nil {
				return err
			}

			a, logger, cleanup, err := opts.open(c.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if days == 0 {
				days = a.Config().DefaultWithinLastDays
			}
			surveys := []string{survey}
			if survey == allSurveys {
				surveys = a.Config().Surveys()
			}

			reports, err := a.Driver().ImportAll(c.Context(), surveys, days)
			for _, r := range reports {
				if r == nil {
					continue
				}
				fmt.Fprintf(opts.stdout, "%s: staged %d rows, %d objects touched\n",
					r.Survey, r.Staged, len(r.Touched()))
			}
			if err != nil {
				logger.Error("import finished with errors", zap.Error(err))
			}
			return err
		},
	}
}

// parseDays reads the optional days argument. Zero means the configured
// default.
func parseDays(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	days, err := strconv.Atoi(args[0])
	if err != nil || days < 1 {
		return 0, fmt.Errorf("days must be a positive integer, got %q", args[0])
	}
	return days, nil
}
