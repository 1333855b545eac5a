package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/jtagverify/pkg/tap"
)

var routePause int

var routeCmd = &cobra.Command{
	Use:   "route FROM TO",
	Short: "Print the minimal TMS route between two TAP states",
	Long: `Print the shortest TMS sequence that moves the TAP controller from one
state to another, and the states it passes through. States use the names the
engine logs, e.g. TestLogicReset, RunTestIdle, ShiftDR, PauseIR.

Examples:
  jtagverify route TestLogicReset ShiftIR
  jtagverify route ShiftDR UpdateDR --pause 3`,
	Args: cobra.ExactArgs(2),
	RunE: runRoute,
}

func init() {
	rootCmd.AddCommand(routeCmd)

	routeCmd.Flags().IntVar(&routePause, "pause", -1,
		"route through the PAUSE state, dwelling this many extra clocks (-1: direct)")
}

func runRoute(cmd *cobra.Command, args []string) error {
	from, err := tap.ParseState(args[0])
	if err != nil {
		return err
	}
	to, err := tap.ParseState(args[1])
	if err != nil {
		return err
	}

	var opts []tap.RouteOption
	if routePause >= 0 {
		opts = append(opts, tap.WithPause(routePause))
	}
	seq, err := tap.Route(from, to, opts...)
	if err != nil {
		return err
	}

	var tms strings.Builder
	for _, b := range seq.TMS {
		if b {
			tms.WriteByte('1')
		} else {
			tms.WriteByte('0')
		}
	}
	names := make([]string, len(seq.States))
	for i, s := range seq.States {
		names[i] = s.String()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Clocks: %d\n", len(seq.TMS))
	fmt.Fprintf(out, "TMS:    %s\n", tms.String())
	fmt.Fprintf(out, "Path:   %s\n", strings.Join(names, " -> "))
	return nil
}
