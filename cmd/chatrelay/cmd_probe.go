package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"chatrelay/internal/session"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe [platform]",
	Short: "Check that platform tabs are reachable and unblocked",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProbe,
}

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "List the browser's open tabs",
	Args:  cobra.NoArgs,
	RunE:  runTabs,
}

func runProbe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(timeout)
	defer cancel()

	var results []session.Readiness
	if len(args) == 1 {
		results = []session.Readiness{a.ctrl.Probe(ctx, args[0])}
	} else {
		results = a.ctrl.ProbeAll(ctx)
	}

	writeReadiness(cmd.OutOrStdout(), results)
	for _, r := range results {
		if !r.Ready {
			return fmt.Errorf("%s is not ready", r.Platform)
		}
	}
	return nil
}

func writeReadiness(out io.Writer, results []session.Readiness) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tREADY\tREACHABLE\tINPUT\tBLOCKED\tERROR")
	for _, r := range results {
		blocked := r.Blocked
		if blocked == "" {
			blocked = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%s\t%s\n", r.Platform, r.Ready, r.Reachable, r.InputVisible, blocked, r.Error)
	}
	_ = tw.Flush()
}

func runTabs(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(timeout)
	defer cancel()

	tabs, err := a.conns.Tabs(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tURL")
	for _, t := range tabs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Title, t.URL)
	}
	return tw.Flush()
}
