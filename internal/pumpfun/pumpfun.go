// Package pumpfun builds pump.fun bonding-curve instructions. Account lists
// come from the embedded interface schema when it resolves; a hand-ordered
// fallback covers the case where the schema is unavailable or incomplete.
package pumpfun

import (
	"bytes"
	_ "embed"
	"fmt"
	"log"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/MSB0095/sol-beast-sub000/internal/schema"
)

//go:embed pumpfun_schema.json
var defaultSchemaJSON []byte

// Well-known pump.fun addresses.
var (
	ProgramID           = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	FeeProgramID        = solana.MustPublicKeyFromBase58("pfeeUxB6jkeY1Hxd7CsFCAjcbHA9rWtchMGdZ6VojVZ")
	DefaultFeeRecipient = solana.MustPublicKeyFromBase58("39azUYFWPz3VHgKCf3VChUwbpURdCHRxjWVowf5jUJjg")
)

// Instruction discriminators on the wire.
var (
	BuyDiscriminator  = []byte{102, 6, 61, 18, 1, 218, 235, 234}
	SellDiscriminator = []byte{51, 230, 133, 164, 1, 127, 131, 173}
)

// BuyArgs is the borsh-encoded argument block of a buy instruction.
type BuyArgs struct {
	Amount      uint64
	MaxSolCost  uint64
	TrackVolume *bool `bin:"optional"`
}

// SellArgs is the borsh-encoded argument block of a sell instruction.
type SellArgs struct {
	Amount       uint64
	MinSolOutput uint64
}

// BondingCurveAddress derives the curve account for a mint.
func BondingCurveAddress(program, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("bonding-curve"), mint.Bytes()}, program)
	return addr, err
}

// GlobalAddress derives the program's global config account.
func GlobalAddress(program solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("global")}, program)
	return addr, err
}

// CreatorVaultAddress derives the fee vault of a coin creator.
func CreatorVaultAddress(program, creator solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("creator-vault"), creator.Bytes()}, program)
	return addr, err
}

// BuyParams carries everything needed to build a buy instruction.
type BuyParams struct {
	Mint solana.PublicKey
	User solana.PublicKey
	// Creator seeds the creator-vault derivation; nil when unknown.
	Creator     *solana.PublicKey
	Amount      uint64
	MaxSolCost  uint64
	TrackVolume *bool
	// FeeRecipient overrides the resolved recipient; zero means resolve.
	FeeRecipient solana.PublicKey
}

// SellParams carries everything needed to build a sell instruction.
type SellParams struct {
	Mint         solana.PublicKey
	User         solana.PublicKey
	Creator      *solana.PublicKey
	Amount       uint64
	MinSolOutput uint64
	FeeRecipient solana.PublicKey
}

// Builder assembles pump.fun instructions against one program deployment.
type Builder struct {
	program solana.PublicKey
	doc     *schema.Document
	log     *log.Logger
}

// DefaultDocument parses the embedded pump.fun interface schema.
func DefaultDocument() (*schema.Document, error) {
	return schema.Parse(defaultSchemaJSON)
}

// NewBuilder returns a Builder for program. doc may be nil, in which case
// every build uses the fallback account ordering.
func NewBuilder(program solana.PublicKey, doc *schema.Document, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(log.Writer(), "[pumpfun] ", log.LstdFlags)
	}
	return &Builder{program: program, doc: doc, log: logger}
}

// Buy builds a buy instruction. Schema resolution is preferred so the
// account list tracks the deployed interface; on resolution failure the
// builder falls back to the fixed ordering, which requires Creator.
func (b *Builder) Buy(p BuyParams) (solana.Instruction, error) {
	args := BuyArgs{Amount: p.Amount, MaxSolCost: p.MaxSolCost, TrackVolume: p.TrackVolume}
	data, err := encodeArgs(BuyDiscriminator, &args)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: encode buy args: %w", err)
	}
	return b.build("buy", p.Mint, p.User, p.Creator, p.FeeRecipient, data)
}

// Sell builds a sell instruction.
func (b *Builder) Sell(p SellParams) (solana.Instruction, error) {
	args := SellArgs{Amount: p.Amount, MinSolOutput: p.MinSolOutput}
	data, err := encodeArgs(SellDiscriminator, &args)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: encode sell args: %w", err)
	}
	return b.build("sell", p.Mint, p.User, p.Creator, p.FeeRecipient, data)
}

func encodeArgs(discriminator []byte, args interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator)
	if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Builder) build(name string, mint, user solana.PublicKey, creator *solana.PublicKey, feeRecipient solana.PublicKey, data []byte) (solana.Instruction, error) {
	if b.doc != nil {
		ctx := schema.Context{"mint": mint, "user": user}
		if creator != nil {
			ctx["bonding_curve.creator"] = *creator
		}
		if !feeRecipient.IsZero() {
			ctx["fee_recipient"] = feeRecipient
		}
		metas, err := b.doc.ResolveAccounts(name, ctx)
		if err == nil {
			return solana.NewInstruction(b.doc.Address, solana.AccountMetaSlice(metas), data), nil
		}
		b.log.Printf("schema resolution for %s failed, using fallback ordering: %v", name, err)
	}

	metas, err := b.fallbackAccounts(name, mint, user, creator, feeRecipient)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(b.program, metas, data), nil
}

// fallbackAccounts reproduces the account ordering the program accepted
// before the schema path existed. Duplicate keys are merged, keeping the
// union of their signer/writable flags.
func (b *Builder) fallbackAccounts(name string, mint, user solana.PublicKey, creator *solana.PublicKey, feeRecipient solana.PublicKey) (solana.AccountMetaSlice, error) {
	if creator == nil {
		return nil, fmt.Errorf("pumpfun: %s fallback requires the coin creator for the creator-vault derivation", name)
	}

	global, err := GlobalAddress(b.program)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive global: %w", err)
	}
	curve, err := BondingCurveAddress(b.program, mint)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive bonding curve: %w", err)
	}
	associatedCurve, _, err := solana.FindAssociatedTokenAddress(curve, mint)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive associated bonding curve: %w", err)
	}
	associatedUser, _, err := solana.FindAssociatedTokenAddress(user, mint)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive associated user: %w", err)
	}
	eventAuthority, _, err := solana.FindProgramAddress([][]byte{[]byte("__event_authority")}, b.program)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive event authority: %w", err)
	}
	globalVolume, _, err := solana.FindProgramAddress([][]byte{[]byte("global_volume_accumulator")}, b.program)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive global volume accumulator: %w", err)
	}
	userVolume, _, err := solana.FindProgramAddress([][]byte{[]byte("user_volume_accumulator"), user.Bytes()}, b.program)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive user volume accumulator: %w", err)
	}
	creatorVault, err := CreatorVaultAddress(b.program, *creator)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive creator vault: %w", err)
	}
	feeConfig, _, err := solana.FindProgramAddress([][]byte{[]byte("fee_config"), ProgramID.Bytes()}, FeeProgramID)
	if err != nil {
		return nil, fmt.Errorf("pumpfun: derive fee config: %w", err)
	}

	if feeRecipient.IsZero() {
		feeRecipient = DefaultFeeRecipient
	}

	var metas solana.AccountMetaSlice
	addOrMerge(&metas, solana.Meta(global))
	addOrMerge(&metas, solana.Meta(feeRecipient).WRITE())
	addOrMerge(&metas, solana.Meta(mint))
	addOrMerge(&metas, solana.Meta(curve).WRITE())
	addOrMerge(&metas, solana.Meta(associatedCurve).WRITE())
	addOrMerge(&metas, solana.Meta(associatedUser).WRITE())
	addOrMerge(&metas, solana.Meta(user).WRITE().SIGNER())
	addOrMerge(&metas, solana.Meta(solana.SystemProgramID))
	// Buy and sell disagree on where the creator vault sits relative to the
	// token program; the on-chain interface fixes both orders.
	if name == "buy" {
		addOrMerge(&metas, solana.Meta(solana.TokenProgramID))
		addOrMerge(&metas, solana.Meta(creatorVault).WRITE())
	} else {
		addOrMerge(&metas, solana.Meta(creatorVault).WRITE())
		addOrMerge(&metas, solana.Meta(solana.TokenProgramID))
	}
	addOrMerge(&metas, solana.Meta(eventAuthority))
	addOrMerge(&metas, solana.Meta(b.program))
	if name == "buy" {
		addOrMerge(&metas, solana.Meta(globalVolume).WRITE())
		addOrMerge(&metas, solana.Meta(userVolume).WRITE())
	}
	addOrMerge(&metas, solana.Meta(feeConfig))
	addOrMerge(&metas, solana.Meta(FeeProgramID))
	return metas, nil
}

func addOrMerge(metas *solana.AccountMetaSlice, meta *solana.AccountMeta) {
	for _, existing := range *metas {
		if existing.PublicKey.Equals(meta.PublicKey) {
			existing.IsWritable = existing.IsWritable || meta.IsWritable
			existing.IsSigner = existing.IsSigner || meta.IsSigner
			return
		}
	}
	*metas = append(*metas, meta)
}
