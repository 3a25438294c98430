// Command jitlink exercises the arm64 Mach-O JIT linker core over a
// real object file: it parses relocations, synthesizes GOT entries and
// branch stubs, assigns synthetic load addresses, and applies fixups,
// then either prints the resulting link graph or writes the patched
// section bytes back out.
package main

import (
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"github.com/blacktop/macho-jitlink/internal/config"
)

var (
	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jitlink",
	Short: "A JIT linker core for AArch64 Mach-O object files",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if verbose || cfg.Debug {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

func init() {
	log.SetHandler(clihandler.Default)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose (debug) logging")
	rootCmd.AddCommand(linkCmd, graphCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
