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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/aymanbagabas/go-udiff"
	"github.com/blacktop/drift/pkg/catalog"
	"github.com/blacktop/drift/pkg/diff"
	"github.com/blacktop/drift/pkg/pattern"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().Bool("json", false, "Output as JSON")
	diffCmd.Flags().BoolP("layout", "l", false, "Show changed struct layouts as unified diffs")
	diffCmd.Flags().Float64P("min-confidence", "m", 0.5, "Pattern reporting floor")
	diffCmd.Flags().StringP("output", "o", "", "Save report to file")
	viper.BindPFlag("diff.json", diffCmd.Flags().Lookup("json"))
	viper.BindPFlag("diff.layout", diffCmd.Flags().Lookup("layout"))
	viper.BindPFlag("diff.min-confidence", diffCmd.Flags().Lookup("min-confidence"))
	viper.BindPFlag("diff.output", diffCmd.Flags().Lookup("output"))
}

// diffCmd represents the diff command
var diffCmd = &cobra.Command{
	Use:   "diff <OLD_CATALOG> <NEW_CATALOG>",
	Short: "Diff two struct catalogs and detect bulk shifts",
	Example: heredoc.Doc(`
		# Diff two catalog snapshots
		❯ drift diff v1.2.json v1.3.json
		# Show changed struct layouts as unified diffs
		❯ drift diff v1.2.json v1.3.yaml --layout`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		oldSnap, err := catalog.Open(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to load old catalog: %w", err)
		}
		newSnap, err := catalog.Open(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to load new catalog: %w", err)
		}

		report := diff.Compare(oldSnap, newSnap, &pattern.Options{
			MinConfidence: viper.GetFloat64("diff.min-confidence"),
		})

		if viper.GetBool("diff.json") {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal report: %v", err)
			}
			return writeOut(viper.GetString("diff.output"), data)
		}

		printDiffReport(report, oldSnap, newSnap, viper.GetBool("diff.layout"))
		return nil
	},
}

func printDiffReport(r *diff.Report, oldSnap, newSnap *catalog.Snapshot, layout bool) {
	bold := color.New(color.Bold).SprintfFunc()
	add := color.New(color.FgGreen).SprintfFunc()
	rem := color.New(color.FgRed).SprintfFunc()

	fmt.Printf("%s\n\n", bold("%s .vs %s", r.OldVersion, r.NewVersion))

	for _, name := range r.AddedStructs {
		fmt.Println(add("+ struct %s", name))
	}
	for _, name := range r.RemovedStructs {
		fmt.Println(rem("- struct %s", name))
	}
	for _, name := range r.AddedEnums {
		fmt.Println(add("+ enum %s", name))
	}
	for _, name := range r.RemovedEnums {
		fmt.Println(rem("- enum %s", name))
	}

	for _, sd := range r.Structs {
		fmt.Printf("\n%s\n", bold("struct %s", sd.Name))
		if sd.OldSize != sd.NewSize {
			fmt.Printf("  size: %#x -> %#x\n", sd.OldSize, sd.NewSize)
		}
		for _, f := range sd.AddedFields {
			fmt.Println(add("  + %s @ %#x", f.Name, f.Offset))
		}
		for _, f := range sd.RemovedFields {
			fmt.Println(rem("  - %s @ %#x", f.Name, f.Offset))
		}
		for _, fd := range sd.Deltas {
			switch {
			case fd.Delta != 0:
				fmt.Printf("  ~ %s: %#x -> %#x (%+#x)\n", fd.Field, fd.OldOffset, fd.NewOffset, fd.Delta)
			case fd.TypeChanged():
				fmt.Printf("  ~ %s: type %s -> %s\n", fd.Field, fd.OldType, fd.NewType)
			default:
				fmt.Printf("  ~ %s: size %#x -> %#x\n", fd.Field, fd.OldSize, fd.NewSize)
			}
		}
		for _, sl := range sd.SlotDeltas {
			fmt.Printf("  ~ vtbl %s: slot %d -> %d (%+d)\n", sl.Name, sl.OldSlot, sl.NewSlot, sl.Delta)
		}
		if layout {
			fmt.Print(udiff.Unified(
				r.OldVersion, r.NewVersion,
				oldSnap.Structs[sd.Name].Layout(),
				newSnap.Structs[sd.Name].Layout(),
			))
		}
	}

	for _, ed := range r.Enums {
		fmt.Printf("\n%s\n", bold("enum %s", ed.Name))
		for _, name := range ed.Added {
			fmt.Println(add("  + %s", name))
		}
		for _, name := range ed.Removed {
			fmt.Println(rem("  - %s", name))
		}
		for _, vd := range ed.Changed {
			fmt.Printf("  ~ %s: %d -> %d\n", vd.Name, vd.Old, vd.New)
		}
	}

	printPatterns(r.Patterns)
}

func printPatterns(patterns []pattern.OffsetPattern) {
	if len(patterns) == 0 {
		return
	}
	bold := color.New(color.Bold).SprintfFunc()
	fmt.Printf("\n%s\n", bold("Detected bulk shifts"))
	for _, p := range patterns {
		fmt.Printf("  [%.2f] %s\n", p.Confidence, p.Description)
	}
}

func writeOut(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(append(data, '\n'))
		return err
	}
	log.Infof("Creating %s", path)
	return os.WriteFile(path, data, 0644)
}
