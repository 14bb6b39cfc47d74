package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"poem-vision-bot/internal/config"
	"poem-vision-bot/internal/wizard"
)

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List poem types, lengths and frames",
		Long: `List the poem types, lengths and frames the service offers.

Options marked with a lock need a Premium account. The current default
is marked with an asterisk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctrl, err := newController(cfg, clientOptions{}, logger)
			if err != nil {
				return err
			}

			ctx, cancel := contextWithTimeout(cmd, cfg)
			defer cancel()

			if err := ctrl.LoadCatalogs(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return printCatalog(cmd.OutOrStdout(), ctrl.View())
		},
	}
}

func printCatalog(w io.Writer, v wizard.View) error {
	account := "free"
	if v.Premium {
		account = "premium"
	}
	fmt.Fprintf(w, "Account: %s\n", account)

	sections := []struct {
		title string
		opts  []wizard.FeatureOption
	}{
		{"Poem types", v.PoemTypes},
		{"Poem lengths", v.PoemLengths},
		{"Frames", v.Frames},
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range sections {
		fmt.Fprintf(tw, "\n%s\n", s.title)
		if len(s.opts) == 0 {
			fmt.Fprintln(tw, "  (unavailable)")
			continue
		}
		for _, o := range s.opts {
			mark := " "
			if o.Selected {
				mark = "*"
			}
			lock := ""
			if o.Locked {
				lock = "🔒"
			}
			fmt.Fprintf(tw, "  %s %s\t%s\t%s\t%s\n", mark, o.ID, o.Name, o.Category, lock)
		}
	}
	return tw.Flush()
}
