// Command wata-trader consumes trade signals and manages the turbo positions
// they open.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wata/internal/handler"
	"wata/internal/tradeerr"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "wata-trader",
	Short: "Turbo warrant trading bot",
	Long: `wata-trader executes long/short signals on index turbos through the broker
OpenAPI, records orders and positions in a local SQLite ledger and closes
positions on stoploss, take-profit or daily target.`,
	SilenceUsage: true,
}

func init() {
	def := "config/wata.yaml"
	if p := os.Getenv("WATA_CONFIG"); p != "" {
		def = p
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", def, "path to the YAML configuration")
	rootCmd.AddCommand(runCmd, checkCmd, syncCmd, closeCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var fatal *handler.FatalError
	if errors.As(err, &fatal) {
		return fatal.ExitCode()
	}
	code := tradeerr.ExitCode(tradeerr.KindOf(err))
	fmt.Fprintf(os.Stderr, "wata-trader: exiting with code %d\n", code)
	return code
}
