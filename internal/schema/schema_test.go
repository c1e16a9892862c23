package schema

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

const testProgram = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

const testDocument = `{
  "address": "` + testProgram + `",
  "instructions": [
    {
      "name": "sell",
      "discriminator": [51, 230, 133, 164, 1, 127, 131, 173],
      "accounts": [
        {
          "name": "global",
          "pda": {"seeds": [{"kind": "const", "value": [103, 108, 111, 98, 97, 108]}]}
        },
        {"name": "fee_recipient", "writable": true},
        {"name": "mint"},
        {
          "name": "bonding_curve",
          "writable": true,
          "pda": {
            "seeds": [
              {"kind": "const", "value": [98, 111, 110, 100, 105, 110, 103, 45, 99, 117, 114, 118, 101]},
              {"kind": "account", "path": "mint"}
            ]
          }
        },
        {"name": "associated_user", "writable": true},
        {"name": "user", "writable": true, "signer": true},
        {
          "name": "creator_vault",
          "writable": true,
          "pda": {
            "seeds": [
              {"kind": "const", "value": [99, 114, 101, 97, 116, 111, 114, 45, 118, 97, 117, 108, 116]},
              {"kind": "account", "path": "bonding_curve.creator"}
            ]
          }
        },
        {"name": "system_program"},
        {"name": "token_program"},
        {"name": "program"}
      ]
    }
  ]
}`

func testContext(t *testing.T) (Context, solana.PublicKey, solana.PublicKey, solana.PublicKey) {
	t.Helper()
	mint := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	creator := solana.NewWallet().PublicKey()
	return Context{
		"mint":                  mint,
		"user":                  user,
		"bonding_curve.creator": creator,
	}, mint, user, creator
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)
	require.Equal(t, testProgram, doc.Address.String())

	instr, ok := doc.Instruction("sell")
	require.True(t, ok)
	require.Equal(t, []byte{51, 230, 133, 164, 1, 127, 131, 173}, instr.Discriminator)
	require.Len(t, instr.Accounts, 10)

	_, ok = doc.Instruction("buy")
	require.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing address", `{"instructions": [{"name": "x", "discriminator": [1,2,3,4,5,6,7,8], "accounts": []}]}`},
		{"bad address", `{"address": "nope", "instructions": [{"name": "x", "discriminator": [1,2,3,4,5,6,7,8], "accounts": []}]}`},
		{"no instructions", `{"address": "` + testProgram + `", "instructions": []}`},
		{"short discriminator", `{"address": "` + testProgram + `", "instructions": [{"name": "x", "discriminator": [1,2,3], "accounts": []}]}`},
		{"unnamed account", `{"address": "` + testProgram + `", "instructions": [{"name": "x", "discriminator": [1,2,3,4,5,6,7,8], "accounts": [{"writable": true}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestResolveAccounts(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	ctx, mint, user, creator := testContext(t)
	metas, err := doc.ResolveAccounts("sell", ctx)
	require.NoError(t, err)
	require.Len(t, metas, 10)

	globalPDA, _, err := solana.FindProgramAddress([][]byte{[]byte("global")}, doc.Address)
	require.NoError(t, err)
	require.Equal(t, globalPDA, metas[0].PublicKey)
	require.False(t, metas[0].IsWritable)

	// No recipient in context: falls back to the global config account.
	require.Equal(t, globalPDA, metas[1].PublicKey)
	require.True(t, metas[1].IsWritable)

	require.Equal(t, mint, metas[2].PublicKey)

	curvePDA, _, err := solana.FindProgramAddress([][]byte{[]byte("bonding-curve"), mint.Bytes()}, doc.Address)
	require.NoError(t, err)
	require.Equal(t, curvePDA, metas[3].PublicKey)
	require.True(t, metas[3].IsWritable)

	ata, _, err := solana.FindAssociatedTokenAddress(user, mint)
	require.NoError(t, err)
	require.Equal(t, ata, metas[4].PublicKey)

	require.Equal(t, user, metas[5].PublicKey)
	require.True(t, metas[5].IsSigner)
	require.True(t, metas[5].IsWritable)

	vaultPDA, _, err := solana.FindProgramAddress([][]byte{[]byte("creator-vault"), creator.Bytes()}, doc.Address)
	require.NoError(t, err)
	require.Equal(t, vaultPDA, metas[6].PublicKey)

	require.Equal(t, solana.SystemProgramID, metas[7].PublicKey)
	require.Equal(t, solana.TokenProgramID, metas[8].PublicKey)
	require.Equal(t, doc.Address, metas[9].PublicKey)
}

func TestResolveAccounts_Deterministic(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	ctx, _, _, _ := testContext(t)
	first, err := doc.ResolveAccounts("sell", ctx)
	require.NoError(t, err)
	second, err := doc.ResolveAccounts("sell", ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestResolveAccounts_ContextOverride(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	ctx, _, _, _ := testContext(t)
	recipient := solana.NewWallet().PublicKey()
	ctx["fee_recipient"] = recipient

	metas, err := doc.ResolveAccounts("sell", ctx)
	require.NoError(t, err)
	require.Equal(t, recipient, metas[1].PublicKey)
}

func TestResolveAccounts_MissingContext(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	ctx, _, _, _ := testContext(t)
	delete(ctx, "mint")

	_, err = doc.ResolveAccounts("sell", ctx)
	require.Error(t, err)

	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	require.Equal(t, "sell", resErr.Instruction)
	require.Equal(t, "mint", resErr.Account)
	require.Contains(t, resErr.ContextKeys, "user")
	require.Contains(t, resErr.Error(), `"mint"`)
}

func TestResolveAccounts_DoesNotMutateCaller(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	ctx, _, _, _ := testContext(t)
	_, err = doc.ResolveAccounts("sell", ctx)
	require.NoError(t, err)
	require.Len(t, ctx, 3)
}

func TestPayload(t *testing.T) {
	doc, err := Parse([]byte(testDocument))
	require.NoError(t, err)

	instr, ok := doc.Instruction("sell")
	require.True(t, ok)

	data := instr.Payload([]byte{0xaa, 0xbb})
	require.Equal(t, append([]byte{51, 230, 133, 164, 1, 127, 131, 173}, 0xaa, 0xbb), data)
}
