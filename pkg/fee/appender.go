package fee

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// WrappedSOLMint is the wrapped-native mint; fees on it are paid with a
// plain system transfer instead of a token transfer.
var WrappedSOLMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

var tokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

const feeBpsDenominator = 10_000

// AccountFetcher is the slice of the RPC surface the appender needs.
// *rpc.Client satisfies it.
type AccountFetcher interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error)
}

// AppenderOptions configures protocol fee collection.
type AppenderOptions struct {
	// FeeBps is the protocol fee in basis points of the quoted output amount.
	// Zero disables fee collection entirely.
	FeeBps uint64
	// FeeRecipient is the wallet that receives the protocol fee.
	FeeRecipient solana.PublicKey
}

// AppendParams describes one fee-append request.
type AppendParams struct {
	// Transaction is the already-built, unsigned transaction.
	Transaction []byte
	// UserPublicKey is the swap initiator, source of the fee transfer.
	UserPublicKey solana.PublicKey
	// OutputMint is the destination token of the swap.
	OutputMint solana.PublicKey
	// QuotedOutputAmount is the quoted output in base units.
	QuotedOutputAmount *big.Int
	// LookupTables optionally supplies pre-resolved address lookup tables,
	// skipping the RPC round trip.
	LookupTables map[solana.PublicKey]solana.PublicKeySlice
	// ComputeBudget instructions, when supplied, are prepended to the
	// recompiled instruction list.
	ComputeBudget []solana.Instruction
}

// AppendResult is the outcome of a fee-append attempt. When FeeAppended is
// false, Transaction is the caller's original bytes and Reason says why.
type AppendResult struct {
	Transaction     []byte
	FeeAppended     bool
	FeeAmountAtomic *big.Int
	Reason          string
}

// Appender injects protocol-fee instructions into built swap transactions.
// It never fails the swap: every error path degrades to returning the
// original transaction untouched, with a reason.
type Appender struct {
	fetcher AccountFetcher
	opts    AppenderOptions
	log     *zap.Logger
}

// NewAppender creates an appender over the given account-lookup capability.
func NewAppender(fetcher AccountFetcher, opts AppenderOptions, log *zap.Logger) *Appender {
	if log == nil {
		log = zap.NewNop()
	}
	return &Appender{fetcher: fetcher, opts: opts, log: log}
}

// Append computes the protocol fee for the quoted output and returns a new
// transaction with the fee transfer appended. With fees disabled this is a
// fast, side-effect-free pass-through.
func (a *Appender) Append(ctx context.Context, p AppendParams) AppendResult {
	original := AppendResult{Transaction: p.Transaction, FeeAmountAtomic: new(big.Int)}

	if a.opts.FeeBps == 0 {
		original.Reason = "fee disabled"
		return original
	}
	if a.opts.FeeRecipient.IsZero() {
		original.Reason = "fee recipient not configured"
		return original
	}
	if p.QuotedOutputAmount == nil || p.QuotedOutputAmount.Sign() <= 0 {
		original.Reason = "quoted output amount is unknown"
		return original
	}

	feeAmount := new(big.Int).Mul(p.QuotedOutputAmount, new(big.Int).SetUint64(a.opts.FeeBps))
	feeAmount.Div(feeAmount, big.NewInt(feeBpsDenominator))
	if feeAmount.Sign() <= 0 {
		original.Reason = "computed fee rounds to zero"
		return original
	}
	if !feeAmount.IsUint64() {
		original.Reason = "computed fee overflows"
		return original
	}

	feeIxs, err := a.feeInstructions(ctx, p, feeAmount.Uint64())
	if err != nil {
		a.log.Warn("skipping protocol fee", zap.Error(err))
		original.Reason = err.Error()
		return original
	}

	rebuilt, err := a.rebuild(ctx, p, feeIxs)
	if err != nil {
		a.log.Warn("skipping protocol fee", zap.Error(err))
		original.Reason = err.Error()
		return original
	}

	a.log.Info("protocol fee appended",
		zap.String("output_mint", p.OutputMint.String()),
		zap.String("fee_atomic", feeAmount.String()))

	return AppendResult{
		Transaction:     rebuilt,
		FeeAppended:     true,
		FeeAmountAtomic: feeAmount,
	}
}

// feeInstructions builds the transfer instruction(s) that move the fee from
// the user to the recipient, creating the recipient's token account if the
// output is an SPL token and the account does not exist yet.
func (a *Appender) feeInstructions(ctx context.Context, p AppendParams, feeAmount uint64) ([]solana.Instruction, error) {
	if p.OutputMint.Equals(WrappedSOLMint) {
		ix := system.NewTransferInstruction(feeAmount, p.UserPublicKey, a.opts.FeeRecipient).Build()
		return []solana.Instruction{ix}, nil
	}

	mintInfo, err := a.fetcher.GetAccountInfo(ctx, p.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("failed to load output mint %s: %w", p.OutputMint, err)
	}
	if mintInfo.Value == nil {
		return nil, fmt.Errorf("output mint %s does not exist", p.OutputMint)
	}
	if !mintInfo.Value.Owner.Equals(tokenProgramID) {
		return nil, fmt.Errorf("unsupported token program %s for mint %s", mintInfo.Value.Owner, p.OutputMint)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(p.UserPublicKey, p.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(a.opts.FeeRecipient, p.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	var ixs []solana.Instruction
	exists, err := a.accountExists(ctx, recipientATA)
	if err != nil {
		return nil, fmt.Errorf("failed to check recipient token account: %w", err)
	}
	if !exists {
		ixs = append(ixs, associatedtokenaccount.NewCreateInstruction(
			p.UserPublicKey,
			a.opts.FeeRecipient,
			p.OutputMint,
		).Build())
	}

	ixs = append(ixs, token.NewTransferInstruction(
		feeAmount,
		sourceATA,
		recipientATA,
		p.UserPublicKey,
		nil,
	).Build())
	return ixs, nil
}

// rebuild decompiles the original message, appends the fee instructions and
// recompiles a new transaction over the same lookup tables.
func (a *Appender) rebuild(ctx context.Context, p AppendParams, feeIxs []solana.Instruction) ([]byte, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(p.Transaction))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	msg := &tx.Message
	if len(msg.AccountKeys) == 0 {
		return nil, fmt.Errorf("transaction has no account keys")
	}

	tables := p.LookupTables
	if tables == nil && len(msg.AddressTableLookups) > 0 {
		tables, err = a.resolveLookupTables(ctx, msg)
		if err != nil {
			return nil, err
		}
	}

	metas, err := orderedAccountMetas(msg, tables)
	if err != nil {
		return nil, err
	}

	builder := solana.NewTransactionBuilder().
		SetFeePayer(msg.AccountKeys[0]).
		SetRecentBlockHash(msg.RecentBlockhash)

	for _, ix := range p.ComputeBudget {
		builder.AddInstruction(ix)
	}
	for _, compiled := range msg.Instructions {
		decompiled, err := decompileInstruction(msg, metas, compiled)
		if err != nil {
			return nil, err
		}
		builder.AddInstruction(decompiled)
	}
	for _, ix := range feeIxs {
		builder.AddInstruction(ix)
	}
	if len(tables) > 0 {
		builder.WithOpt(solana.TransactionAddressTables(tables))
	}

	rebuilt, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to recompile transaction: %w", err)
	}
	out, err := rebuilt.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return out, nil
}

// resolveLookupTables fetches every referenced address lookup table in one
// batched account read.
func (a *Appender) resolveLookupTables(ctx context.Context, msg *solana.Message) (map[solana.PublicKey]solana.PublicKeySlice, error) {
	keys := make([]solana.PublicKey, 0, len(msg.AddressTableLookups))
	for _, lookup := range msg.AddressTableLookups {
		keys = append(keys, lookup.AccountKey)
	}

	res, err := a.fetcher.GetMultipleAccounts(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load lookup tables: %w", err)
	}
	if res == nil || len(res.Value) != len(keys) {
		return nil, fmt.Errorf("lookup table read returned %d accounts, want %d", len(res.Value), len(keys))
	}

	tables := make(map[solana.PublicKey]solana.PublicKeySlice, len(keys))
	for i, acct := range res.Value {
		if acct == nil {
			return nil, fmt.Errorf("lookup table %s does not exist", keys[i])
		}
		state, err := addresslookuptable.DecodeAddressLookupTableState(acct.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("failed to decode lookup table %s: %w", keys[i], err)
		}
		tables[keys[i]] = state.Addresses
	}
	return tables, nil
}

func (a *Appender) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	res, err := a.fetcher.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return res != nil && res.Value != nil, nil
}

// orderedAccountMetas reconstructs the full ordered account list of a
// compiled message: static keys, then loaded writable keys, then loaded
// readonly keys, with signer/writable flags derived from the header.
func orderedAccountMetas(msg *solana.Message, tables map[solana.PublicKey]solana.PublicKeySlice) ([]*solana.AccountMeta, error) {
	h := msg.Header
	numStatic := len(msg.AccountKeys)
	numWritableSigned := int(h.NumRequiredSignatures) - int(h.NumReadonlySignedAccounts)

	metas := make([]*solana.AccountMeta, 0, numStatic)
	for i, key := range msg.AccountKeys {
		signer := i < int(h.NumRequiredSignatures)
		var writable bool
		if signer {
			writable = i < numWritableSigned
		} else {
			writable = i < numStatic-int(h.NumReadonlyUnsignedAccounts)
		}
		metas = append(metas, &solana.AccountMeta{PublicKey: key, IsSigner: signer, IsWritable: writable})
	}

	appendLoaded := func(indexes []uint8, table solana.PublicKeySlice, tableKey solana.PublicKey, writable bool) error {
		for _, idx := range indexes {
			if int(idx) >= len(table) {
				return fmt.Errorf("lookup table %s has no entry at index %d", tableKey, idx)
			}
			metas = append(metas, &solana.AccountMeta{PublicKey: table[idx], IsWritable: writable})
		}
		return nil
	}

	for _, lookup := range msg.AddressTableLookups {
		table, ok := tables[lookup.AccountKey]
		if !ok {
			return nil, fmt.Errorf("lookup table %s was not resolved", lookup.AccountKey)
		}
		if err := appendLoaded(lookup.WritableIndexes, table, lookup.AccountKey, true); err != nil {
			return nil, err
		}
	}
	for _, lookup := range msg.AddressTableLookups {
		if err := appendLoaded(lookup.ReadonlyIndexes, tables[lookup.AccountKey], lookup.AccountKey, false); err != nil {
			return nil, err
		}
	}
	return metas, nil
}

// decompileInstruction turns one compiled instruction back into a generic
// instruction over resolved account metas.
func decompileInstruction(msg *solana.Message, metas []*solana.AccountMeta, ix solana.CompiledInstruction) (solana.Instruction, error) {
	if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
		return nil, fmt.Errorf("instruction program index %d outside static keys", ix.ProgramIDIndex)
	}
	program := msg.AccountKeys[ix.ProgramIDIndex]

	accounts := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
	for _, accIdx := range ix.Accounts {
		if int(accIdx) >= len(metas) {
			return nil, fmt.Errorf("instruction account index %d outside resolved accounts", accIdx)
		}
		m := metas[accIdx]
		accounts = append(accounts, &solana.AccountMeta{
			PublicKey:  m.PublicKey,
			IsSigner:   m.IsSigner,
			IsWritable: m.IsWritable,
		})
	}
	return solana.NewInstruction(program, accounts, []byte(ix.Data)), nil
}
