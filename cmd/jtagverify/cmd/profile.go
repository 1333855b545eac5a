package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/jtagverify/pkg/config"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Print the effective verification profile",
	Long: `Print the profile as YAML: the built-in defaults, or the file named by
--profile with every unset field filled in.

Examples:
  jtagverify profile > jtagverify.yaml
  jtagverify profile --profile board.yaml`,
	RunE: runProfile,
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check profiles and report every problem found",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProfileValidate,
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileValidateCmd)
}

func runProfile(cmd *cobra.Command, args []string) error {
	p, err := loadProfile()
	if err != nil {
		return err
	}
	data, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runProfileValidate(cmd *cobra.Command, args []string) error {
	bad := 0
	for _, path := range args {
		p, err := config.Load(path)
		if err != nil {
			bad++
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n  %v\n", path, err)
			continue
		}
		if _, err := p.Device(); err != nil {
			bad++
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %s\n  %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", path)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d profile(s) invalid", bad, len(args))
	}
	return nil
}
