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
	"fmt"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/drift/internal/validate"
	"github.com/blacktop/drift/pkg/catalog"
	"github.com/blacktop/drift/pkg/sig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("validation", "", "Cross-check against a runtime validation report")
	healthCmd.MarkFlagFilename("validation")
	viper.BindPFlag("health.validation", healthCmd.Flags().Lookup("validation"))
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health <SIGNATURES> <CATALOG>",
	Short: "Report signature coverage and store health",
	Example: heredoc.Doc(`
		# How much of the catalog do the signatures cover?
		❯ drift health v1.2.sigs.json v1.2.json
		# Fold in a runtime validation report
		❯ drift health v1.2.sigs.json v1.2.json --validation inspect.json`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		store, err := sig.OpenStore(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		snap, err := catalog.Open(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}

		covered := make(map[string]int)
		var high, low int
		for _, s := range store.Signatures {
			covered[s.Struct]++
			if s.MatchCount == 1 {
				high++
			} else {
				low++
			}
		}

		total := snap.FieldCount()
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(len(store.Signatures)) / float64(total)
		}

		log.WithFields(log.Fields{
			"store":     store.Version,
			"catalog":   snap.Version,
			"generated": store.Timestamp.Format("2006-01-02 15:04:05"),
		}).Info("Signature store")
		log.WithFields(log.Fields{
			"signatures": len(store.Signatures),
			"fields":     total,
			"coverage":   fmt.Sprintf("%.1f%%", pct),
			"unique":     high,
			"weak":       low,
		}).Info("Coverage")

		for _, name := range snap.StructNames() {
			sd := snap.Structs[name]
			if n := covered[name]; n < len(sd.Fields) {
				log.WithFields(log.Fields{
					"struct":  name,
					"covered": n,
					"fields":  len(sd.Fields),
				}).Warn("Partial coverage")
			}
		}

		if path := viper.GetString("health.validation"); path != "" {
			report, err := validate.Open(path)
			if err != nil {
				return err
			}
			findings := validate.CrossCheck(snap, report)
			if len(findings) == 0 {
				log.Info("Validation report agrees with the catalog")
			}
			for _, f := range findings {
				log.WithFields(log.Fields{
					"struct": f.Struct,
					"field":  f.Field,
				}).Warn(f.Detail)
			}
		}

		return nil
	},
}
