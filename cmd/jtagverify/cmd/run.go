package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/jtagverify/pkg/bsdl"
	"github.com/OpenTraceLab/jtagverify/pkg/config"
	"github.com/OpenTraceLab/jtagverify/pkg/engine"
	"github.com/OpenTraceLab/jtagverify/pkg/jtag"
	"github.com/OpenTraceLab/jtagverify/pkg/report"
	"github.com/OpenTraceLab/jtagverify/pkg/verify"
)

var (
	adapterType  string
	adapterVID   uint16
	adapterPID   uint16
	adapterSpeed int
	outputPath   string
	outputFormat string
	repeatCount  int
	scenarioList []string
	noReference  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the verification suite against a target",
	Long: `Run the standard scenarios against the target: resets, IDCODE and BYPASS
reads, register length probes, paused scans, and boundary and debug access when
the profile names those instructions.

Every transaction is checked for compliance and timing. A fault-free simulated
model of the target replays each sequence and the scoreboard compares both
streams. Per-transaction records go to --output; the run summary is printed as
YAML.

Examples:
  # Simulated target with the built-in profile
  jtagverify run

  # Inject faults described by the profile, three passes
  jtagverify run --profile faults.yaml --repeat 3

  # Real target through a Raspberry Pi CMSIS-DAP probe
  jtagverify run --adapter cmsisdap --vid 0x2E8A --pid 0x000C --speed 100000`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&adapterType, "adapter", "a", "simulator",
		"target backend (simulator, cmsisdap)")
	runCmd.Flags().Uint16Var(&adapterVID, "vid", jtag.VendorIDRaspberryPi,
		"cmsisdap: USB vendor ID")
	runCmd.Flags().Uint16Var(&adapterPID, "pid", jtag.ProductIDCMSISDAP,
		"cmsisdap: USB product ID")
	runCmd.Flags().IntVar(&adapterSpeed, "speed", 0,
		"cmsisdap: TCK speed in Hz (probe default when 0)")
	runCmd.Flags().StringVarP(&outputPath, "output", "o", "",
		"write per-transaction records to this file (- for stdout)")
	runCmd.Flags().StringVarP(&outputFormat, "format", "f", "",
		"record format (json, msgpack); overrides the profile")
	runCmd.Flags().IntVarP(&repeatCount, "repeat", "r", 1,
		"number of passes over the suite")
	runCmd.Flags().StringSliceVarP(&scenarioList, "scenario", "s", nil,
		"run only the named scenarios")
	runCmd.Flags().BoolVar(&noReference, "no-reference", false,
		"skip the reference model; the scoreboard then only reports timeouts")
}

func runRun(cmd *cobra.Command, args []string) error {
	if repeatCount < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", repeatCount)
	}

	p, err := loadProfile()
	if err != nil {
		return err
	}
	log, err := newLogger(p)
	if err != nil {
		return err
	}
	defer log.Sync()

	dev, err := p.Device()
	if err != nil {
		return err
	}

	lines, closeLines, err := openLines(p, dev, log)
	if err != nil {
		return err
	}
	defer closeLines()

	opts := verify.Options{Device: dev, Logger: log}
	if !noReference {
		ref, err := newSimTarget(p, dev)
		if err != nil {
			return fmt.Errorf("reference model: %w", err)
		}
		opts.Reference = ref
	}

	out, closeOut, err := openOutput(p, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closeOut()
	if out != nil {
		format := p.Report.Format
		if outputFormat != "" {
			format = outputFormat
		}
		f, err := report.ParseFormat(format)
		if err != nil {
			return err
		}
		if opts.Encoder, err = report.NewEncoder(out, f); err != nil {
			return err
		}
	}

	b, err := verify.New(p, lines, opts)
	if err != nil {
		return err
	}
	scenarios, err := selectScenarios(b.Suite(), scenarioList)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Results go to stderr when stdout carries the record stream.
	console := cmd.OutOrStdout()
	if outputPath == "-" {
		console = cmd.ErrOrStderr()
	}

	failed := 0
	for pass := 1; pass <= repeatCount; pass++ {
		if repeatCount > 1 {
			fmt.Fprintf(console, "Pass %d/%d\n", pass, repeatCount)
		}
		for _, r := range b.RunScenarios(ctx, scenarios...) {
			switch {
			case r.TimedOut:
				failed++
				fmt.Fprintf(console, "  TIMEOUT %-14s %v\n", r.Name, r.Duration)
			case r.Err != nil:
				failed++
				fmt.Fprintf(console, "  FAIL    %-14s %v\n", r.Name, r.Err)
			default:
				fmt.Fprintf(console, "  ok      %-14s %v\n", r.Name, r.Duration)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	summary := b.Finish()
	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	fmt.Fprintf(console, "\nSummary:\n%s", indent(string(data), "  "))

	if err := b.Err(); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario run(s) failed", failed)
	}
	return nil
}

func newSimTarget(p *config.Profile, dev *bsdl.Device) (*jtag.SimTarget, error) {
	sc, err := p.SimConfig(dev)
	if err != nil {
		return nil, err
	}
	return jtag.NewSimTarget(sc)
}

// openLines opens the target backend named by --adapter.
func openLines(p *config.Profile, dev *bsdl.Device, log *zap.Logger) (jtag.Lines, func(), error) {
	switch strings.ToLower(adapterType) {
	case "simulator", "sim":
		sim, err := newSimTarget(p, dev)
		if err != nil {
			return nil, nil, err
		}
		return sim, func() {}, nil

	case "cmsisdap", "cmsis-dap":
		drv, err := jtag.OpenPinDriver(adapterVID, adapterPID,
			jtag.WithHalfPeriod(p.Clock.Period.Duration/2),
			jtag.WithLogger(log.Named("cmsisdap")))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open adapter: %w", err)
		}
		if adapterSpeed > 0 {
			if err := drv.SetSpeed(adapterSpeed); err != nil {
				drv.Close()
				return nil, nil, fmt.Errorf("failed to set speed: %w", err)
			}
		}
		info := drv.Info()
		log.Info("probe connected",
			zap.String("vendor", info.Vendor),
			zap.String("product", info.Product),
			zap.String("serial", info.SerialNumber),
			zap.String("firmware", info.Firmware))
		return drv, func() {
			if err := drv.Close(); err != nil {
				log.Warn("close probe", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown adapter type: %s", adapterType)
}

// openOutput resolves the record destination: --output, then the profile.
// A nil writer means records are not written.
func openOutput(p *config.Profile, stdout io.Writer) (io.Writer, func(), error) {
	path := outputPath
	if path == "" {
		path = p.Report.Output
	}
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func selectScenarios(all []engine.Scenario, names []string) ([]engine.Scenario, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]engine.Scenario, len(all))
	for _, sc := range all {
		byName[sc.Name] = sc
	}
	out := make([]engine.Scenario, 0, len(names))
	for _, name := range names {
		sc, ok := byName[name]
		if !ok {
			known := make([]string, 0, len(all))
			for _, s := range all {
				known = append(known, s.Name)
			}
			return nil, fmt.Errorf("unknown scenario %q (have %s)", name, strings.Join(known, ", "))
		}
		out = append(out, sc)
	}
	return out, nil
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" || l == "\n" {
			b.WriteString(l)
			continue
		}
		b.WriteString(prefix + l)
	}
	return b.String()
}
