package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"solswap/config"
	"solswap/pkg/security"
)

var (
	inspectTx   string
	inspectUser string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Run the security validator over a base64 transaction",
	Long: `Decode a base64 transaction and print its security verdict: fee payer
check, program allow-list check, router confirmation, recorded token
destinations, and the drainer-shape heuristic.

The transaction is read from --tx, or from stdin when --tx is omitted.

Examples:
  solswap inspect --tx <base64> --user <pubkey>
  cat tx.b64 | solswap inspect --user <pubkey>`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVar(&inspectTx, "tx", "", "Base64-encoded transaction (stdin if omitted)")
	inspectCmd.Flags().StringVar(&inspectUser, "user", "", "Expected signer / fee payer public key (REQUIRED)")
	_ = inspectCmd.MarkFlagRequired("user")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	encoded := strings.TrimSpace(inspectTx)
	if encoded == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read transaction from stdin: %w", err)
		}
		encoded = strings.TrimSpace(string(raw))
	}
	if encoded == "" {
		return fmt.Errorf("no transaction provided: pass --tx or pipe base64 on stdin")
	}

	txBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("transaction is not valid base64: %w", err)
	}

	validator := security.NewValidator(inspectUser, cfg.Security.AllowedPrograms, cfg.Security.RouterPrograms)
	verdict := validator.Validate(txBytes)
	drainerLike := security.IsDrainerLike(txBytes)

	if verdict.Safe {
		color.Green("verdict: SAFE")
	} else {
		color.Red("verdict: UNSAFE")
	}
	printInfo("fee payer:        %s (expected user: %v)", verdict.FeePayer, verdict.FeePayerIsExpectedUser)
	printInfo("programs:         %s", joinSet(verdict.ProgramIDs))
	if len(verdict.UnknownPrograms) > 0 {
		color.Red("unknown programs: %s", joinSet(verdict.UnknownPrograms))
	}
	if len(verdict.DestinationAccounts) > 0 {
		printInfo("token transfers to: %s", joinSet(verdict.DestinationAccounts))
	}
	for _, w := range verdict.Warnings {
		color.Yellow("warning: %s", w)
	}
	for _, e := range verdict.Errors {
		color.Red("error: %s", e)
	}
	if drainerLike {
		color.Red("drainer heuristic: FLAGGED")
	} else {
		color.Green("drainer heuristic: clear")
	}

	if !verdict.Safe || drainerLike {
		os.Exit(1)
	}
	return nil
}

func joinSet(set map[string]bool) string {
	items := make([]string, 0, len(set))
	for k := range set {
		items = append(items, k)
	}
	sort.Strings(items)
	return strings.Join(items, ", ")
}
