package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Context carries caller-supplied addresses keyed by descriptor name.
// Nested references use dotted keys, e.g. "bonding_curve.creator".
type Context map[string]solana.PublicKey

// Well-known descriptor names resolved without a context entry.
const (
	nameSystemProgram          = "system_program"
	nameTokenProgram           = "token_program"
	nameAssociatedTokenProgram = "associated_token_program"
	nameAssociatedUser         = "associated_user"
	nameFeeRecipient           = "fee_recipient"
	nameProgram                = "program"
)

// ResolutionError reports an account descriptor that could not be resolved,
// naming the context entries that were available.
type ResolutionError struct {
	Instruction string
	Account     string
	ContextKeys []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("schema: resolve %s: no address for account %q (context: %s)",
		e.Instruction, e.Account, strings.Join(e.ContextKeys, ", "))
}

// ResolveAccounts resolves the named instruction's account list against ctx.
// Descriptors are walked in document order; each resolved address is added to
// a working copy of the context under the descriptor's name, so later PDAs
// may seed from earlier results. The caller's ctx is not modified.
func (d *Document) ResolveAccounts(name string, ctx Context) ([]*solana.AccountMeta, error) {
	instr, ok := d.Instruction(name)
	if !ok {
		return nil, fmt.Errorf("schema: unknown instruction %q", name)
	}

	working := make(Context, len(ctx)+len(instr.Accounts))
	for k, v := range ctx {
		working[k] = v
	}

	metas := make([]*solana.AccountMeta, 0, len(instr.Accounts))
	for _, desc := range instr.Accounts {
		addr, err := d.resolveAccount(instr, desc, working)
		if err != nil {
			return nil, err
		}
		working[desc.Name] = addr
		metas = append(metas, &solana.AccountMeta{
			PublicKey:  addr,
			IsWritable: desc.Writable,
			IsSigner:   desc.Signer,
		})
	}
	return metas, nil
}

func (d *Document) resolveAccount(instr *Instruction, desc AccountDesc, working Context) (solana.PublicKey, error) {
	if desc.Address != "" {
		addr, err := solana.PublicKeyFromBase58(desc.Address)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: account %q has invalid address: %w", instr.Name, desc.Name, err)
		}
		return addr, nil
	}

	if desc.PDA != nil {
		return d.derivePDA(instr, desc, working)
	}

	// An explicit context entry always wins over the well-known fallbacks,
	// so callers can override e.g. the fee recipient.
	if addr, ok := working[desc.Name]; ok {
		return addr, nil
	}

	switch desc.Name {
	case nameSystemProgram:
		return solana.SystemProgramID, nil
	case nameTokenProgram:
		return solana.TokenProgramID, nil
	case nameAssociatedTokenProgram:
		return solana.SPLAssociatedTokenAccountProgramID, nil
	case nameAssociatedUser:
		user, ok := working["user"]
		if !ok {
			return solana.PublicKey{}, resolutionErr(instr, desc, working)
		}
		mint, ok := working["mint"]
		if !ok {
			return solana.PublicKey{}, resolutionErr(instr, desc, working)
		}
		ata, _, err := solana.FindAssociatedTokenAddress(user, mint)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: derive %q: %w", instr.Name, desc.Name, err)
		}
		return ata, nil
	case nameFeeRecipient:
		// No recipient in context: fall back to the program's global config
		// account, which carries the canonical recipient on chain.
		addr, _, err := solana.FindProgramAddress([][]byte{[]byte("global")}, d.Address)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: derive %q: %w", instr.Name, desc.Name, err)
		}
		return addr, nil
	case nameProgram:
		return d.Address, nil
	}

	return solana.PublicKey{}, resolutionErr(instr, desc, working)
}

func (d *Document) derivePDA(instr *Instruction, desc AccountDesc, working Context) (solana.PublicKey, error) {
	program := d.Address
	if ref := desc.PDA.Program; ref != nil {
		switch {
		case ref.Address != "":
			addr, err := solana.PublicKeyFromBase58(ref.Address)
			if err != nil {
				return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: account %q has invalid program address: %w", instr.Name, desc.Name, err)
			}
			program = addr
		case ref.Kind == "const":
			if len(ref.Value) != solana.PublicKeyLength {
				return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: account %q program const must be %d bytes, got %d",
					instr.Name, desc.Name, solana.PublicKeyLength, len(ref.Value))
			}
			program = solana.PublicKeyFromBytes(ref.Value)
		case ref.Kind == "account":
			addr, ok := working[ref.Path]
			if !ok {
				return solana.PublicKey{}, resolutionErr(instr, desc, working)
			}
			program = addr
		default:
			return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: account %q has unsupported program ref kind %q", instr.Name, desc.Name, ref.Kind)
		}
	}

	seeds := make([][]byte, 0, len(desc.PDA.Seeds))
	for _, seed := range desc.PDA.Seeds {
		switch seed.Kind {
		case "const":
			seeds = append(seeds, seed.Value)
		case "account":
			addr, ok := working[seed.Path]
			if !ok {
				return solana.PublicKey{}, resolutionErr(instr, desc, working)
			}
			seeds = append(seeds, addr.Bytes())
		default:
			return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: account %q has unsupported seed kind %q", instr.Name, desc.Name, seed.Kind)
		}
	}

	addr, _, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("schema: resolve %s: derive %q: %w", instr.Name, desc.Name, err)
	}
	return addr, nil
}

func resolutionErr(instr *Instruction, desc AccountDesc, working Context) *ResolutionError {
	keys := make([]string, 0, len(working))
	for k := range working {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &ResolutionError{Instruction: instr.Name, Account: desc.Name, ContextKeys: keys}
}
