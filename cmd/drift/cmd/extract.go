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
	"errors"
	"fmt"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/drift/internal/config"
	"github.com/blacktop/drift/pkg/binimg"
	"github.com/blacktop/drift/pkg/catalog"
	"github.com/blacktop/drift/pkg/sig"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().Float64P("min-confidence", "m", 0.5, "Drop signatures scoring below this")
	extractCmd.Flags().IntP("workers", "w", 0, "Per-field worker pool size (0 = all cores)")
	extractCmd.Flags().Int("max-window", 32, "Max signature length in bytes")
	extractCmd.Flags().StringP("output", "o", "signatures.json", "Signature store output path")
	viper.BindPFlag("extract.min-confidence", extractCmd.Flags().Lookup("min-confidence"))
	viper.BindPFlag("extract.workers", extractCmd.Flags().Lookup("workers"))
	viper.BindPFlag("extract.max-window", extractCmd.Flags().Lookup("max-window"))
	viper.BindPFlag("extract.output", extractCmd.Flags().Lookup("output"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <CATALOG> <BINARY>",
	Short: "Extract field signatures from a reference binary",
	Example: heredoc.Doc(`
		# Build a signature store for every field in the catalog
		❯ drift extract v1.2.json game.bin --output v1.2.sigs.json
		# Keep only high confidence signatures
		❯ drift extract v1.2.json game.bin --min-confidence 0.9`),
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

		snap, err := catalog.Open(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}

		img, err := binimg.Open(filepath.Clean(args[1]))
		if err != nil {
			return fmt.Errorf("failed to load binary: %w", err)
		}

		extractor := sig.NewExtractor(img, sig.ExtractOptions{
			MaxWindow:     cast.ToInt(viper.Get("extract.max-window")),
			MinConfidence: conf.Extract.MinConfidence,
			Workers:       conf.Extract.Workers,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		type outcome struct {
			store *sig.Store
			err   error
		}
		done := make(chan outcome, 1)

		if err := ctrlc.Default.Run(ctx, func() error {
			store, eerr := extractor.Extract(ctx, snap)
			done <- outcome{store: store, err: eerr}
			return nil
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Interrupted: collecting partial signature store")
				cancel()
			} else {
				return err
			}
		}

		out := <-done
		if out.err != nil && !errors.Is(out.err, context.Canceled) {
			return out.err
		}

		output := viper.GetString("extract.output")
		if err := out.store.Save(output); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"path":       output,
			"signatures": len(out.store.Signatures),
		}).Info("Saved signature store")

		return nil
	},
}
