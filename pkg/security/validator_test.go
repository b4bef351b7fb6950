package security

import (
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testUser      = solana.NewWallet().PublicKey()
	testDest      = solana.NewWallet().PublicKey()
	testRouter    = solana.NewWallet().PublicKey()
	testRecipient = solana.NewWallet().PublicKey()
)

func allowList(extra ...string) []string {
	base := []string{
		SystemProgramID.String(),
		TokenProgramID.String(),
		testRouter.String(),
	}
	return append(base, extra...)
}

func marshalTx(t *testing.T, payer solana.PublicKey, ixs ...solana.Instruction) []byte {
	t.Helper()
	tx, err := solana.NewTransaction(ixs, solana.Hash{}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func routerInstruction(payer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(testRouter, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(testDest, true, false),
	}, []byte{0x01, 0x02})
}

func TestValidateSafeTransaction(t *testing.T) {
	raw := marshalTx(t, testUser,
		routerInstruction(testUser),
		token.NewTransferInstruction(100, testUser, testDest, testUser, nil).Build(),
	)

	v := NewValidator(testUser.String(), allowList(), []string{testRouter.String()})
	verdict := v.Validate(raw)

	assert.True(t, verdict.Safe)
	assert.Empty(t, verdict.Errors)
	assert.True(t, verdict.FeePayerIsExpectedUser)
	assert.Equal(t, testUser.String(), verdict.FeePayer)
	assert.True(t, verdict.ProgramIDs[testRouter.String()])
	assert.True(t, verdict.ProgramIDs[TokenProgramID.String()])
	// Destination of the token transfer is recorded for cross-checking.
	assert.True(t, verdict.DestinationAccounts[testDest.String()])
}

func TestValidateFeePayerMismatch(t *testing.T) {
	other := solana.NewWallet().PublicKey()
	raw := marshalTx(t, other, routerInstruction(other))

	v := NewValidator(testUser.String(), allowList(), []string{testRouter.String()})
	verdict := v.Validate(raw)

	assert.False(t, verdict.Safe)
	assert.False(t, verdict.FeePayerIsExpectedUser)
	require.NotEmpty(t, verdict.Errors)
	assert.Contains(t, verdict.Errors[0], "fee payer")
}

func TestValidateUnknownProgramIsFatal(t *testing.T) {
	rogue := solana.NewWallet().PublicKey()
	raw := marshalTx(t, testUser,
		routerInstruction(testUser), // benign instruction does not save it
		solana.NewInstruction(rogue, solana.AccountMetaSlice{
			solana.NewAccountMeta(testUser, true, true),
		}, []byte{0xff}),
	)

	v := NewValidator(testUser.String(), allowList(), []string{testRouter.String()})
	verdict := v.Validate(raw)

	assert.False(t, verdict.Safe)
	assert.True(t, verdict.UnknownPrograms[rogue.String()])
	found := false
	for _, e := range verdict.Errors {
		if strings.Contains(e, "allow-list") && strings.Contains(e, rogue.String()) {
			found = true
		}
	}
	assert.True(t, found, "error should list the offending program")
}

func TestValidateNoRouterWarns(t *testing.T) {
	raw := marshalTx(t, testUser,
		token.NewTransferInstruction(100, testUser, testDest, testUser, nil).Build(),
	)

	v := NewValidator(testUser.String(), allowList(), []string{testRouter.String()})
	verdict := v.Validate(raw)

	assert.True(t, verdict.Safe, "missing router is a warning, not an error")
	require.NotEmpty(t, verdict.Warnings)
	assert.Contains(t, verdict.Warnings[len(verdict.Warnings)-1], "router")
}

func TestValidateUnsignedWarning(t *testing.T) {
	raw := marshalTx(t, testUser, routerInstruction(testUser))

	v := NewValidator(testUser.String(), allowList(), []string{testRouter.String()})
	verdict := v.Validate(raw)

	assert.True(t, verdict.Safe)
	found := false
	for _, w := range verdict.Warnings {
		if strings.Contains(w, "signatures") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateGarbageBytes(t *testing.T) {
	v := NewValidator(testUser.String(), allowList(), nil)
	verdict := v.Validate([]byte{0xde, 0xad, 0xbe, 0xef})

	assert.False(t, verdict.Safe)
	require.NotEmpty(t, verdict.Errors)
}

func TestIsDrainerLikeCloseAccount(t *testing.T) {
	raw := marshalTx(t, testUser,
		routerInstruction(testUser),
		token.NewCloseAccountInstruction(testDest, testRecipient, testUser, nil).Build(),
	)

	// Flagged even though every program is allow-listed.
	v := NewValidator(testUser.String(), allowList(), []string{testRouter.String()})
	assert.True(t, v.Validate(raw).Safe)
	assert.True(t, IsDrainerLike(raw))
}

func TestIsDrainerLikeSetAuthority(t *testing.T) {
	// SetAuthority opcode (6), authority type and new-authority option bytes.
	setAuthority := solana.NewInstruction(TokenProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(testDest, true, false),
		solana.NewAccountMeta(testUser, false, true),
	}, []byte{6, 2, 1})
	raw := marshalTx(t, testUser, setAuthority)
	assert.True(t, IsDrainerLike(raw))
}

func TestIsDrainerLikeZeroLamportTransfer(t *testing.T) {
	raw := marshalTx(t, testUser,
		system.NewTransferInstruction(0, testUser, testDest).Build(),
	)
	assert.True(t, IsDrainerLike(raw))
}

func TestIsDrainerLikeCleanSwap(t *testing.T) {
	raw := marshalTx(t, testUser,
		routerInstruction(testUser),
		token.NewTransferInstruction(500, testUser, testDest, testUser, nil).Build(),
		system.NewTransferInstruction(10_000, testUser, testDest).Build(),
	)
	assert.False(t, IsDrainerLike(raw))
}

func TestIsDrainerLikeFailsSafeOnGarbage(t *testing.T) {
	assert.True(t, IsDrainerLike([]byte{0x00, 0x01}))
	assert.True(t, IsDrainerLike(nil))
}
