package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rom8726/helio"
	"github.com/rom8726/helio/capabilities/httpcall"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var render bool

	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate workflow definitions against the capability registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := LoadConfig(opts.configPath)
				if err != nil {
					return err
				}
				dir = cfg.Definitions.Dir
			}

			registry := helio.NewRegistry()
			caller := httpcall.New(time.Second)
			defer caller.Close()
			if err := caller.Register(registry); err != nil {
				return err
			}

			return validateDefinitions(cmd.OutOrStdout(), registry, dir, render)
		},
	}
	cmd.Flags().BoolVar(&render, "render", false, "print the graph of every valid definition")

	return cmd
}

func validateDefinitions(w io.Writer, registry *helio.Registry, dir string, render bool) error {
	defs, err := helio.LoadDefinitions(dir)
	if err != nil {
		return err
	}

	visualizer := helio.NewVisualizer()
	var errs []error
	for _, def := range defs {
		if err := registry.ValidateDefinition(def); err != nil {
			errs = append(errs, fmt.Errorf("%s v%d: %w", def.ID, def.Version, err))
			fmt.Fprintf(w, "FAIL %s v%d\n", def.ID, def.Version)

			continue
		}
		fmt.Fprintf(w, "ok   %s v%d\n", def.ID, def.Version)
		if render {
			fmt.Fprintln(w, visualizer.RenderGraph(def))
		}
	}

	return errors.Join(errs...)
}
