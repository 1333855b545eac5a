package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
)

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List target backends",
	Long: `Scan the host for CMSIS-DAP probes that can bit-bang JTAG through
DAP_SWJ_Pins and print them with their USB IDs, ready for run --vid/--pid.
The simulator is always available.`,
	RunE: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)
}

func runInterfaces(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, err := jtag.DiscoverInterfaces(ctx)
	if err != nil {
		return fmt.Errorf("discover interfaces: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Detected interfaces:")
	for _, iface := range infos {
		if iface.Kind == jtag.InterfaceKindSim {
			fmt.Fprintf(out, "  - %s [%s] (--adapter simulator)\n", iface.Label(), iface.Kind)
			continue
		}
		fmt.Fprintf(out, "  - %s [%s] (--vid 0x%04X --pid 0x%04X, bus %d addr %d)\n",
			iface.Label(), iface.Kind, iface.VendorID, iface.ProductID, iface.Bus, iface.Address)
	}
	return nil
}
