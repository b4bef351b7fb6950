package cmd

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"solswap/config"
	"solswap/pkg/aggregator"
	"solswap/pkg/fee"
	"solswap/pkg/logging"
	"solswap/pkg/parser"
	"solswap/pkg/security"
	"solswap/pkg/types"
)

var (
	swapUser        string
	swapSlippageBps int
	swapSpeed       string
	swapFeeCapSOL   string
	swapNoConfirm   bool
)

var swapCmd = &cobra.Command{
	Use:   "swap <amount> <source-token> to <dest-token>",
	Short: "Build a validated, fee-priced swap transaction ready to sign",
	Long: `Build a swap transaction through the full safety pipeline: quote the
route, build the transaction upstream, validate it against the security
policy, price the compute budget for the chosen speed, and append the
protocol fee. The result is an unsigned base64 transaction for your signer.

Examples:
  solswap swap 1 SOL to USDC --user <pubkey>
  solswap swap 0.5 SOL to USDT --user <pubkey> --speed turbo --fee-cap-sol 0.005
  solswap swap 100 USDC to SOL --user <pubkey> --yes`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSwapPipeline,
}

func init() {
	rootCmd.AddCommand(swapCmd)

	swapCmd.Flags().StringVar(&swapUser, "user", "", "User public key, the fee payer and signer (REQUIRED)")
	swapCmd.Flags().IntVar(&swapSlippageBps, "slippage-bps", 50, "Slippage tolerance in basis points")
	swapCmd.Flags().StringVar(&swapSpeed, "speed", "standard", "Speed mode: standard, fast or turbo")
	swapCmd.Flags().StringVar(&swapFeeCapSOL, "fee-cap-sol", "", "Optional priority fee cap in SOL")
	swapCmd.Flags().BoolVarP(&swapNoConfirm, "yes", "y", false, "Skip confirmation prompt")
	_ = swapCmd.MarkFlagRequired("user")
}

func runSwapPipeline(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	speed, err := types.ParseSpeedMode(swapSpeed)
	if err != nil {
		return err
	}
	user, err := solana.PublicKeyFromBase58(swapUser)
	if err != nil {
		return fmt.Errorf("invalid --user public key: %w", err)
	}

	swapReq, err := parser.ParseSwapCommand(strings.Join(args, " "), cfg.Tokens)
	if err != nil {
		return err
	}
	outputMint, err := solana.PublicKeyFromBase58(swapReq.OutputMint)
	if err != nil {
		return fmt.Errorf("invalid output mint: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	rpcClient := rpc.New(cfg.Solana.RPCURL)

	inputMint, err := solana.PublicKeyFromBase58(swapReq.InputMint)
	if err != nil {
		return fmt.Errorf("invalid input mint: %w", err)
	}
	decimals, err := mintDecimals(ctx, rpcClient, inputMint)
	if err != nil {
		return fmt.Errorf("failed to resolve %s decimals: %w", swapReq.InputSymbol, err)
	}
	baseAmount := swapReq.Amount.Shift(int32(decimals)).Truncate(0)

	params := types.QuoteParams{
		InputMint:   swapReq.InputMint,
		OutputMint:  swapReq.OutputMint,
		Amount:      baseAmount.String(),
		SlippageBps: swapSlippageBps,
		Speed:       speed,
	}
	if !params.Valid() {
		return fmt.Errorf("invalid swap parameters")
	}

	client := aggregator.New(cfg.Aggregator.BaseURL, cfg.Aggregator.APIKey, 15*time.Second, logger)

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	if !jsonOutput {
		s.Suffix = " Fetching route..."
		s.Start()
	}
	routeQuote, err := client.GetRoute(ctx, params)
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return fmt.Errorf("failed to fetch route: %w", err)
	}
	if routeQuote.Route == types.RouteNone {
		return fmt.Errorf("no route: %s", routeQuote.Reason)
	}

	outAmount := quotedOutputAmount(routeQuote.Quote)
	if !jsonOutput {
		printSuccess(fmt.Sprintf("Route %s: %s %s -> %s (base units: %s out)",
			routeQuote.Route, swapReq.Amount, swapReq.InputSymbol, swapReq.OutputSymbol, outAmountString(outAmount)))
		if !swapNoConfirm && !confirm("Build this swap?") {
			printInfo("Aborted.")
			return nil
		}
	}

	if !jsonOutput {
		s.Suffix = " Building transaction..."
		s.Start()
	}
	built, err := client.BuildSwap(ctx, routeQuote.Quote, user.String())
	if !jsonOutput {
		s.Stop()
	}
	if err != nil {
		return fmt.Errorf("failed to build swap: %w", err)
	}

	// Security gate: a failed verdict is fatal and never downgraded.
	validator := security.NewValidator(user.String(), cfg.Security.AllowedPrograms, cfg.Security.RouterPrograms)
	verdict := validator.Validate(built.SwapTransaction)
	for _, w := range verdict.Warnings {
		if !jsonOutput {
			printWarning(w)
		}
	}
	if !verdict.Safe {
		return fmt.Errorf("transaction failed security validation: %s", strings.Join(verdict.Errors, "; "))
	}
	if security.IsDrainerLike(built.SwapTransaction) {
		return fmt.Errorf("transaction matches a drainer-like instruction pattern; refusing to proceed")
	}

	controller := fee.NewController(fee.ControllerOptions{
		BaseUnitPriceMicroLamports: cfg.Fee.BaseUnitPriceMicroLamports,
		DefaultComputeUnitLimit:    cfg.Fee.DefaultComputeUnitLimit,
		MaxCapLamports:             solToLamports(cfg.Fee.MaxCapSOL),
		HighFeeWarnLamports:        solToLamports(cfg.Fee.HighFeeWarnSOL),
	})
	var capSOL *decimal.Decimal
	if swapFeeCapSOL != "" {
		parsed, err := decimal.NewFromString(swapFeeCapSOL)
		if err != nil {
			return fmt.Errorf("invalid --fee-cap-sol: %w", err)
		}
		warning, err := controller.ValidateCap(parsed)
		if err != nil {
			return err
		}
		if warning != "" && !jsonOutput {
			printWarning(warning)
		}
		capSOL = &parsed
	}
	feeCfg := controller.Compute(speed, capSOL, 0)

	// Only inject compute-budget instructions when the aggregator left them
	// out; duplicating them would make the transaction fail on-chain.
	var computeBudget []solana.Instruction
	if !verdict.ProgramIDs["ComputeBudget111111111111111111111111111111"] {
		computeBudget = feeCfg.Instructions()
	}

	var feeRecipient solana.PublicKey
	if cfg.Fee.FeeRecipient != "" {
		feeRecipient, err = solana.PublicKeyFromBase58(cfg.Fee.FeeRecipient)
		if err != nil {
			return fmt.Errorf("invalid fee recipient in config: %w", err)
		}
	}
	appender := fee.NewAppender(rpcClient, fee.AppenderOptions{
		FeeBps:       cfg.Fee.PlatformFeeBps,
		FeeRecipient: feeRecipient,
	}, logger)

	result := appender.Append(ctx, fee.AppendParams{
		Transaction:        built.SwapTransaction,
		UserPublicKey:      user,
		OutputMint:         outputMint,
		QuotedOutputAmount: outAmount,
		ComputeBudget:      computeBudget,
	})

	encoded := base64.StdEncoding.EncodeToString(result.Transaction)
	if jsonOutput {
		out := map[string]interface{}{
			"transaction":           encoded,
			"lastValidBlockHeight":  built.LastValidBlockHeight,
			"route":                 routeQuote.Route,
			"feeAppended":           result.FeeAppended,
			"feeAmountAtomic":       result.FeeAmountAtomic.String(),
			"estimatedFeeLamports":  feeCfg.EstimatedFeeLamports,
			"computeUnitPriceMicro": feeCfg.ComputeUnitPriceMicroLamports,
			"computeUnitLimit":      feeCfg.ComputeUnitLimit,
		}
		if result.Reason != "" {
			out["feeSkippedReason"] = result.Reason
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	printSuccess("Transaction ready to sign")
	printInfo("Route:                  %s", routeQuote.Route)
	printInfo("Estimated priority fee: %d lamports (cap %d)", feeCfg.EstimatedFeeLamports, feeCfg.MaxCapLamports)
	if result.FeeAppended {
		printInfo("Protocol fee:           %s base units of %s", result.FeeAmountAtomic, swapReq.OutputSymbol)
	} else {
		printInfo("Protocol fee skipped:   %s", result.Reason)
	}
	printInfo("Valid until block:      %d", built.LastValidBlockHeight)
	fmt.Println()
	fmt.Println(encoded)
	return nil
}

// mintDecimals reads the decimals byte from a mint account. Wrapped SOL is
// answered locally; everything else costs one account read.
func mintDecimals(ctx context.Context, client *rpc.Client, mint solana.PublicKey) (uint8, error) {
	if mint.Equals(fee.WrappedSOLMint) {
		return 9, nil
	}
	info, err := client.GetAccountInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account info: %w", err)
	}
	if info.Value == nil {
		return 0, fmt.Errorf("mint account not found")
	}

	// The decimals field is at byte offset 44 in the mint account data.
	data := info.Value.Data.GetBinary()
	if len(data) < 45 {
		return 0, fmt.Errorf("invalid mint account data")
	}
	return data[44], nil
}

// quotedOutputAmount best-effort extracts outAmount from the opaque quote.
// A nil return degrades fee injection to "no fee", never fails the swap.
func quotedOutputAmount(quote json.RawMessage) *big.Int {
	var probe struct {
		OutAmount string `json:"outAmount"`
	}
	if err := json.Unmarshal(quote, &probe); err != nil || probe.OutAmount == "" {
		return nil
	}
	out, ok := new(big.Int).SetString(probe.OutAmount, 10)
	if !ok {
		return nil
	}
	return out
}

func outAmountString(amount *big.Int) string {
	if amount == nil {
		return "unknown"
	}
	return amount.String()
}

func solToLamports(sol float64) uint64 {
	if sol <= 0 {
		return 0
	}
	return uint64(decimal.NewFromFloat(sol).Mul(decimal.NewFromInt(fee.LamportsPerSOL)).IntPart())
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
