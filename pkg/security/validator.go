package security

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Well-known program IDs the instruction heuristics understand.
var (
	SystemProgramID    = solana.MustPublicKeyFromBase58("11111111111111111111111111111111")
	TokenProgramID     = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// SPL token program instruction discriminators (first data byte).
const (
	tokenOpTransfer        = 3
	tokenOpSetAuthority    = 6
	tokenOpCloseAccount    = 9
	tokenOpTransferChecked = 12
)

// System program instruction discriminator (first four bytes, little endian).
const systemOpTransfer = 2

// Verdict is the outcome of validating one candidate transaction. Safe is
// true iff Errors is empty; Warnings never affect Safe.
type Verdict struct {
	Safe                   bool
	Warnings               []string
	Errors                 []string
	FeePayer               string
	FeePayerIsExpectedUser bool
	ProgramIDs             map[string]bool
	UnknownPrograms        map[string]bool
	DestinationAccounts    map[string]bool
}

// Validator scores candidate transactions against a security policy. The
// allow-list and router set come from host configuration; nothing is
// hard-coded here. A Validator is immutable and safe for concurrent use.
type Validator struct {
	expectedSigner  string
	allowedPrograms map[string]bool
	routerPrograms  map[string]bool
}

// NewValidator builds a validator for one expected signer. Program IDs are
// compared by their base58 form, case-sensitively (base58 is case-sensitive);
// the signer comparison is case-insensitive per the upstream contract.
func NewValidator(expectedSigner string, allowedPrograms, routerPrograms []string) *Validator {
	return &Validator{
		expectedSigner:  expectedSigner,
		allowedPrograms: toSet(allowedPrograms),
		routerPrograms:  toSet(routerPrograms),
	}
}

// Validate decodes raw transaction bytes and scores them.
//
// Hard errors: fee payer not matching the expected signer, or any instruction
// on a program outside the allow-list. Soft warnings: no instruction on a
// recognized router program (route unconfirmed), and a zero-signature
// transaction (expected for an unsigned candidate). Token-transfer
// destinations are collected best-effort for the caller to cross-check.
func (v *Validator) Validate(raw []byte) Verdict {
	verdict := Verdict{
		ProgramIDs:          map[string]bool{},
		UnknownPrograms:     map[string]bool{},
		DestinationAccounts: map[string]bool{},
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		verdict.Errors = append(verdict.Errors, fmt.Sprintf("failed to decode transaction: %v", err))
		return verdict
	}
	msg := &tx.Message

	if len(msg.AccountKeys) == 0 {
		verdict.Errors = append(verdict.Errors, "transaction has no account keys")
		return verdict
	}

	// Fee payer is always the first static account key.
	verdict.FeePayer = msg.AccountKeys[0].String()
	verdict.FeePayerIsExpectedUser = strings.EqualFold(verdict.FeePayer, v.expectedSigner)
	if !verdict.FeePayerIsExpectedUser {
		verdict.Errors = append(verdict.Errors,
			fmt.Sprintf("fee payer %s does not match expected signer %s", verdict.FeePayer, v.expectedSigner))
	}

	if unsigned(tx) {
		verdict.Warnings = append(verdict.Warnings, "transaction carries no signatures (expected for an unsigned candidate)")
	}

	routerSeen := false
	for _, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			// Program IDs must live in the static key section; an index past
			// it means the payload is malformed.
			verdict.Errors = append(verdict.Errors,
				fmt.Sprintf("instruction references program index %d outside static keys", ix.ProgramIDIndex))
			continue
		}
		program := msg.AccountKeys[ix.ProgramIDIndex].String()
		verdict.ProgramIDs[program] = true

		if !v.allowedPrograms[program] {
			verdict.UnknownPrograms[program] = true
		}
		if v.routerPrograms[program] {
			routerSeen = true
		}

		v.recordTokenDestination(&verdict, msg, ix)
	}

	if len(verdict.UnknownPrograms) > 0 {
		verdict.Errors = append(verdict.Errors,
			fmt.Sprintf("transaction touches programs outside the allow-list: %s",
				strings.Join(sortedKeys(verdict.UnknownPrograms), ", ")))
	}
	if !routerSeen {
		verdict.Warnings = append(verdict.Warnings,
			"no instruction belongs to the expected router program; route could not be confirmed")
	}

	verdict.Safe = len(verdict.Errors) == 0
	return verdict
}

// recordTokenDestination captures the destination account of SPL token
// transfer instructions. Accounts referenced through lookup tables cannot be
// resolved without RPC and are skipped; this check is best-effort by design.
func (v *Validator) recordTokenDestination(verdict *Verdict, msg *solana.Message, ix solana.CompiledInstruction) {
	programKey := msg.AccountKeys[ix.ProgramIDIndex]
	if !programKey.Equals(TokenProgramID) && !programKey.Equals(Token2022ProgramID) {
		return
	}
	if len(ix.Data) == 0 {
		return
	}

	// transfer: [source, destination, authority]
	// transferChecked: [source, mint, destination, authority]
	var destPos int
	switch ix.Data[0] {
	case tokenOpTransfer:
		destPos = 1
	case tokenOpTransferChecked:
		destPos = 2
	default:
		return
	}
	if destPos >= len(ix.Accounts) {
		return
	}
	keyIdx := int(ix.Accounts[destPos])
	if keyIdx >= len(msg.AccountKeys) {
		return
	}
	verdict.DestinationAccounts[msg.AccountKeys[keyIdx].String()] = true
}

// IsDrainerLike coarsely flags transactions shaped like wallet drainers:
// token close-account or set-authority instructions, or a bare two-account
// native transfer of zero lamports. It fails safe: anything that cannot be
// decoded is reported as drainer-like.
func IsDrainerLike(raw []byte) bool {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return true
	}
	msg := &tx.Message

	for _, ix := range msg.Instructions {
		if int(ix.ProgramIDIndex) >= len(msg.AccountKeys) {
			return true
		}
		program := msg.AccountKeys[ix.ProgramIDIndex]

		if program.Equals(TokenProgramID) || program.Equals(Token2022ProgramID) {
			if len(ix.Data) == 0 {
				return true
			}
			switch ix.Data[0] {
			case tokenOpCloseAccount, tokenOpSetAuthority:
				return true
			}
			continue
		}

		if program.Equals(SystemProgramID) && len(ix.Accounts) == 2 {
			if len(ix.Data) < 4 {
				return true
			}
			if binary.LittleEndian.Uint32(ix.Data[:4]) != systemOpTransfer {
				continue
			}
			if len(ix.Data) < 12 {
				return true
			}
			if binary.LittleEndian.Uint64(ix.Data[4:12]) == 0 {
				return true
			}
		}
	}
	return false
}

func unsigned(tx *solana.Transaction) bool {
	for _, sig := range tx.Signatures {
		if !sig.IsZero() {
			return false
		}
	}
	return true
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out[it] = true
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
