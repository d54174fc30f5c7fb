package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCountCommand(ctx *commandContext) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "count <page>",
		Short: "Count images eligible for upscaling",
		Long:  "Load a page from a URL or file and report how many images fall inside the size band.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			doc, err := a.openDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			candidates := a.pipeline.Candidates(doc)

			out := cmd.OutOrStdout()
			if list && len(candidates) > 0 {
				rows := make([][]string, len(candidates))
				for i, img := range candidates {
					w, h := img.NaturalSize()
					box := img.Box()
					rows[i] = []string{
						strconv.Itoa(i + 1),
						shorten(img.Src(), 60),
						fmt.Sprintf("%dx%d", w, h),
						fmt.Sprintf("%.0fx%.0f", box.Width, box.Height),
					}
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Source", "Natural", "Rendered"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignRight}))
			}
			fmt.Fprintf(out, "%d eligible image(s) (band %d-%d px)\n",
				len(candidates), cfg.MinImageDimension, cfg.MaxImageDimension)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "List the eligible images")
	return cmd
}
