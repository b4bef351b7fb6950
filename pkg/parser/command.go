package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// SwapCommand is a parsed swap request in UI units. The amount still needs
// mint decimals applied before it becomes QuoteParams base units.
type SwapCommand struct {
	Amount       decimal.Decimal
	InputSymbol  string
	OutputSymbol string
	InputMint    string
	OutputMint   string
}

// Pattern: <amount> <source_token> TO <dest_token>
// Matches: "1 SOL TO USDC", "1.5 SOL TO USDT", "100.25 USDC TO SOL"
var commandPattern = regexp.MustCompile(`^(\d+\.?\d*)\s+([A-Z0-9]+)\s+TO\s+([A-Z0-9]+)$`)

// ParseSwapCommand parses a natural language swap command against the
// configured symbol→mint table.
// Examples:
//   - "swap 1 SOL to USDC"
//   - "1.5 SOL to USDT"
//   - "100 USDC to SOL"
func ParseSwapCommand(command string, tokens map[string]string) (*SwapCommand, error) {
	command = strings.TrimSpace(strings.ToUpper(command))
	command = strings.TrimPrefix(command, "SWAP ")

	matches := commandPattern.FindStringSubmatch(command)
	if matches == nil {
		return nil, fmt.Errorf("invalid swap command format. Expected: '<amount> <token> to <token>' (e.g., '1 SOL to USDC')")
	}

	amount, err := decimal.NewFromString(matches[1])
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("invalid amount %q: must be a positive number", matches[1])
	}

	inputMint, err := resolveMint(matches[2], tokens)
	if err != nil {
		return nil, err
	}
	outputMint, err := resolveMint(matches[3], tokens)
	if err != nil {
		return nil, err
	}
	if inputMint == outputMint {
		return nil, fmt.Errorf("input and output tokens must differ")
	}

	return &SwapCommand{
		Amount:       amount,
		InputSymbol:  matches[2],
		OutputSymbol: matches[3],
		InputMint:    inputMint,
		OutputMint:   outputMint,
	}, nil
}

// resolveMint maps a symbol to its configured mint. A valid-looking base58
// address passes through unchanged so power users can skip the table.
func resolveMint(symbol string, tokens map[string]string) (string, error) {
	if mint, ok := tokens[strings.ToLower(symbol)]; ok {
		return mint, nil
	}
	if mint, ok := tokens[symbol]; ok {
		return mint, nil
	}
	if len(symbol) >= 32 && len(symbol) <= 44 {
		return symbol, nil
	}
	return "", fmt.Errorf("unknown token %q: add it to the tokens table or pass a mint address", symbol)
}
