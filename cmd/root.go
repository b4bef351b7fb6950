package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "solswap",
	Short: "A safety pipeline for Solana swap transactions",
	Long: `solswap turns a swap intent into a transaction that is safe to sign:
it polls an upstream aggregator for quotes, validates the built transaction
against a security policy, prices it for network inclusion, and injects the
protocol fee without corrupting signability.

Examples:
  solswap quote --input SOL --output USDC --amount 1 --watch
  solswap swap 1 SOL to USDC --user <pubkey>
  solswap inspect --tx <base64> --user <pubkey>`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
}

func printError(err error) {
	color.Red("\nError: %v\n", err)
}

func printSuccess(message string) {
	color.Green("\n%s\n", message)
}

func printWarning(message string) {
	color.Yellow("\nWarning: %s\n", message)
}

func printInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
