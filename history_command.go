package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"upscaler/core"
	"upscaler/db"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		limit       int
		correlation string
		prune       int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded upscale attempts",
		Long:  "Read the attempt database named by HISTORY_DB.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.HistoryDB == "" {
				return core.ErrInvalidValue("HISTORY_DB", "", "history requires a database path")
			}
			database, err := db.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer database.Close()

			out := cmd.OutOrStdout()
			c := cmd.Context()

			if cmd.Flags().Changed("prune") {
				res, err := database.Cleanup(c, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %s attempt(s) older than %d day(s) in %v\n",
					humanize.Comma(res.Deleted), prune, res.Duration)
				return nil
			}

			repo := db.NewRepository(database, nil)
			var attempts []db.Attempt
			if correlation != "" {
				attempts, err = repo.AttemptsByCorrelationID(c, correlation)
			} else {
				attempts, err = repo.RecentAttempts(c, limit)
			}
			if err != nil {
				return err
			}

			if len(attempts) == 0 {
				fmt.Fprintln(out, "No attempts recorded")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"When", "Outcome", "Stage", "Strategy", "Size", "Duration", "Source"},
				attemptRows(attempts),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))

			total, err := repo.CountAttempts(c)
			if err != nil {
				return err
			}
			kinds, err := repo.CountByKind(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s attempt(s) total", humanize.Comma(total))
			for _, k := range kinds {
				fmt.Fprintf(out, ", %s %s", k.Kind, humanize.Comma(k.Count))
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of recent attempts to show")
	cmd.Flags().StringVar(&correlation, "id", "", "Show attempts with this correlation id")
	cmd.Flags().IntVar(&prune, "prune", 0, "Delete attempts older than this many days")
	cmd.MarkFlagsMutuallyExclusive("id", "prune")
	return cmd
}

func attemptRows(attempts []db.Attempt) [][]string {
	rows := make([][]string, len(attempts))
	for i, a := range attempts {
		outcome := "success"
		if !a.Success {
			outcome = a.Kind
		}
		size := ""
		if a.OutputWidth > 0 {
			size = fmt.Sprintf("%dx%d", a.OutputWidth, a.OutputHeight)
		} else if a.InputWidth > 0 {
			size = fmt.Sprintf("%dx%d", a.InputWidth, a.InputHeight)
		}
		rows[i] = []string{
			humanize.Time(a.CreatedAt),
			outcome,
			a.Stage,
			a.Strategy,
			size,
			strconv.FormatInt(a.Duration.Milliseconds(), 10) + "ms",
			shorten(a.ImageSrc, 48),
		}
	}
	return rows
}
