/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/drift/internal/config"
	"github.com/blacktop/drift/pkg/binimg"
	"github.com/blacktop/drift/pkg/pattern"
	"github.com/blacktop/drift/pkg/sig"
	"github.com/caarlos0/ctrlc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().Bool("json", false, "Output as JSON")
	scanCmd.Flags().Float64P("min-confidence", "m", 0.5, "Pattern reporting floor")
	scanCmd.Flags().IntP("workers", "w", 0, "Per-signature worker pool size (0 = all cores)")
	scanCmd.Flags().String("target-version", "", "Version label of the scanned binary (store range gate)")
	scanCmd.Flags().StringP("output", "o", "", "Save report to file")
	viper.BindPFlag("scan.json", scanCmd.Flags().Lookup("json"))
	viper.BindPFlag("scan.min-confidence", scanCmd.Flags().Lookup("min-confidence"))
	viper.BindPFlag("scan.workers", scanCmd.Flags().Lookup("workers"))
	viper.BindPFlag("scan.target-version", scanCmd.Flags().Lookup("target-version"))
	viper.BindPFlag("scan.output", scanCmd.Flags().Lookup("output"))
}

// scanReport is the full scan output: one entry per stored signature plus
// the aggregated bulk-shift patterns.
type scanReport struct {
	StoreVersion string                  `json:"store_version"`
	Binary       string                  `json:"binary"`
	Results      []sig.ScanResult        `json:"results"`
	Patterns     []pattern.OffsetPattern `json:"patterns,omitempty"`
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <SIGNATURES> <BINARY>",
	Short: "Relocate stored signatures in a new binary",
	Example: heredoc.Doc(`
		# Recover field offsets in a new build
		❯ drift scan v1.2.sigs.json game_v1.3.bin
		# Machine readable report
		❯ drift scan v1.2.sigs.json game_v1.3.bin --json --output report.json`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		store, err := sig.OpenStore(filepath.Clean(args[0]))
		if err != nil {
			return err
		}

		if target := viper.GetString("scan.target-version"); target != "" {
			ok, err := store.Supports(target)
			if err != nil {
				return err
			}
			if !ok {
				log.WithFields(log.Fields{
					"target": target,
					"min":    store.MinVersion,
					"max":    store.MaxVersion,
				}).Warn("Target version outside the store's supported range")
			}
		}

		img, err := binimg.Open(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to load binary: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		type outcome struct {
			results []sig.ScanResult
			err     error
		}
		done := make(chan outcome, 1)

		if err := ctrlc.Default.Run(ctx, func() error {
			results, serr := sig.Scan(ctx, img, store, sig.ScanOptions{Workers: conf.Scan.Workers})
			done <- outcome{results: results, err: serr}
			return nil
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Interrupted: reporting partial scan results")
				cancel()
			} else {
				return err
			}
		}

		out := <-done
		if out.err != nil && !errors.Is(out.err, context.Canceled) {
			return out.err
		}

		report := scanReport{
			StoreVersion: store.Version,
			Binary:       filepath.Clean(args[1]),
			Results:      out.results,
			Patterns: sig.Aggregate(out.results, &pattern.Options{
				MinConfidence: viper.GetFloat64("scan.min-confidence"),
			}),
		}

		if viper.GetBool("scan.json") {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal report: %v", err)
			}
			return writeOut(viper.GetString("scan.output"), data)
		}

		printScanReport(&report)
		return nil
	},
}

func printScanReport(r *scanReport) {
	ok := color.New(color.FgGreen).SprintfFunc()
	miss := color.New(color.FgRed).SprintfFunc()
	amb := color.New(color.FgYellow).SprintfFunc()

	for _, res := range r.Results {
		name := fmt.Sprintf("%s.%s", res.Struct, res.Field)
		switch {
		case res.Found && res.Delta != 0:
			fmt.Println(ok("  ~ %-40s %#x -> %#x (%+#x) @ %#x", name, res.OldOffset, res.NewOffset, res.Delta, res.MatchAddress))
		case res.Found:
			fmt.Println(ok("  = %-40s %#x @ %#x", name, res.OldOffset, res.MatchAddress))
		case res.Ambiguous():
			fmt.Println(amb("  ? %-40s %d candidates: %#x...", name, len(res.Candidates), res.Candidates[0]))
		default:
			fmt.Println(miss("  x %-40s %s", name, res.Error))
		}
	}

	printPatterns(r.Patterns)
}
