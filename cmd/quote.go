package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"solswap/config"
	"solswap/pkg/aggregator"
	"solswap/pkg/logging"
	"solswap/pkg/quote"
	"solswap/pkg/types"
)

var (
	quoteInput       string
	quoteOutput      string
	quoteAmount      string
	quoteSlippageBps int
	quoteSpeed       string
	quoteWatch       bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Fetch (and optionally keep polling) the best route for a swap",
	Long: `Fetch the best route and quote for a swap from the upstream aggregator.

With --watch the quote engine keeps polling at the cadence of the selected
speed mode, backing off automatically when the aggregator rate-limits.

Examples:
  solswap quote --input SOL --output USDC --amount 1000000000
  solswap quote --input SOL --output USDC --amount 1000000000 --speed turbo --watch`,
	RunE: runQuote,
}

func init() {
	rootCmd.AddCommand(quoteCmd)

	quoteCmd.Flags().StringVar(&quoteInput, "input", "", "Input token symbol or mint (REQUIRED)")
	quoteCmd.Flags().StringVar(&quoteOutput, "output", "", "Output token symbol or mint (REQUIRED)")
	quoteCmd.Flags().StringVar(&quoteAmount, "amount", "", "Input amount in base units (REQUIRED)")
	quoteCmd.Flags().IntVar(&quoteSlippageBps, "slippage-bps", 50, "Slippage tolerance in basis points")
	quoteCmd.Flags().StringVar(&quoteSpeed, "speed", "standard", "Speed mode: standard, fast or turbo")
	quoteCmd.Flags().BoolVar(&quoteWatch, "watch", false, "Keep polling until interrupted")
	_ = quoteCmd.MarkFlagRequired("input")
	_ = quoteCmd.MarkFlagRequired("output")
	_ = quoteCmd.MarkFlagRequired("amount")
}

func runQuote(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	speed, err := types.ParseSpeedMode(quoteSpeed)
	if err != nil {
		return err
	}

	params := types.QuoteParams{
		InputMint:   resolveToken(quoteInput, cfg.Tokens),
		OutputMint:  resolveToken(quoteOutput, cfg.Tokens),
		Amount:      quoteAmount,
		SlippageBps: quoteSlippageBps,
		Speed:       speed,
	}
	if !params.Valid() {
		return fmt.Errorf("invalid quote parameters: check --input, --output and --amount")
	}

	client := aggregator.New(cfg.Aggregator.BaseURL, cfg.Aggregator.APIKey, 15*time.Second, logger)

	opts := quote.DefaultOptions()
	opts.LiveQuotes = cfg.Engine.LiveQuotes
	engine := quote.NewEngine(client, opts, logger)
	defer engine.Close()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	settled := make(chan types.EngineState, 16)

	engine.Subscribe(func(st types.EngineState) {
		select {
		case settled <- st:
		default:
		}
	})

	engine.UpdateParams(params)
	engine.TriggerImmediateFetch()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	s.Suffix = " Fetching quote..."
	s.Start()
	for {
		select {
		case st := <-settled:
			if st.IsUpdating {
				continue
			}
			s.Stop()
			printQuoteState(st)
			if !quoteWatch {
				return nil
			}
			s.Suffix = " Waiting for next update..."
			s.Start()
		case <-sigCh:
			s.Stop()
			engine.ClearQuote()
			return nil
		}
	}
}

func printQuoteState(st types.EngineState) {
	switch {
	case st.Err != "":
		color.Red("route: %s  error: %s", st.Route, st.Err)
	case st.Route == types.RouteNone:
		color.Yellow("no route available")
	default:
		color.Green("route: %s", st.Route)
		fmt.Printf("quote: %s\n", string(st.Quote))
		if len(st.RouteMeta) > 0 {
			fmt.Printf("meta:  %s\n", string(st.RouteMeta))
		}
	}
}

// resolveToken maps a configured symbol to its mint, passing through
// anything that already looks like an address.
func resolveToken(symbolOrMint string, tokens map[string]string) string {
	if mint, ok := tokens[strings.ToLower(symbolOrMint)]; ok {
		return mint
	}
	return symbolOrMint
}
