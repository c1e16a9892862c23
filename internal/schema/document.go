// Package schema interprets declarative program-interface documents
// (Anchor-IDL shaped JSON) and resolves instruction account lists from them.
// Account descriptors are resolved in document order against a working
// context, so a later descriptor may reference an address resolved by an
// earlier one. Resolution is deterministic: the same document, instruction,
// and context always produce a byte-identical account list.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Document is one parsed program-interface definition.
type Document struct {
	// Address is the program the document describes.
	Address      solana.PublicKey
	Instructions []*Instruction
}

// Instruction describes one program instruction: its wire discriminator and
// the ordered account descriptors resolution walks.
type Instruction struct {
	Name          string
	Discriminator []byte
	Accounts      []AccountDesc
}

// AccountDesc is one entry of an instruction's account list. Exactly one of
// Address, PDA, or a well-known/context Name determines how it resolves.
type AccountDesc struct {
	Name     string
	Writable bool
	Signer   bool
	// Address is a literal base58 address, when fixed by the program.
	Address string
	// PDA describes a program-derived address, when the account is derived.
	PDA *PDADesc
}

// PDADesc describes a program-derived address: the owning program and the
// ordered seed list.
type PDADesc struct {
	// Program resolves the owning program; nil means the document's own
	// program address.
	Program *ProgramRef
	Seeds   []SeedDesc
}

// ProgramRef resolves the program a PDA belongs to.
type ProgramRef struct {
	// Address is a literal base58 program address.
	Address string
	// Kind is "const" (Value holds 32 raw bytes) or "account" (Path names a
	// context entry).
	Kind  string
	Value []byte
	Path  string
}

// SeedDesc is one PDA seed: either constant bytes or a context reference by
// (possibly dotted) path.
type SeedDesc struct {
	Kind  string // "const" or "account"
	Value []byte
	Path  string
}

// rawDocument mirrors the JSON layout before validation.
type rawDocument struct {
	Address      string           `json:"address"`
	Instructions []rawInstruction `json:"instructions"`
}

type rawInstruction struct {
	Name          string       `json:"name"`
	Discriminator []byte       `json:"discriminator"`
	Accounts      []rawAccount `json:"accounts"`
}

type rawAccount struct {
	Name     string  `json:"name"`
	Writable bool    `json:"writable"`
	Signer   bool    `json:"signer"`
	Address  string  `json:"address,omitempty"`
	PDA      *rawPDA `json:"pda,omitempty"`
}

type rawPDA struct {
	Program *rawProgramRef `json:"program,omitempty"`
	Seeds   []rawSeed      `json:"seeds"`
}

type rawProgramRef struct {
	Address string `json:"address,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Path    string `json:"path,omitempty"`
}

type rawSeed struct {
	Kind  string `json:"kind"`
	Value []byte `json:"value,omitempty"`
	Path  string `json:"path,omitempty"`
}

// Parse decodes and validates a schema document from JSON bytes.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schema: parse document: %w", err)
	}
	if raw.Address == "" {
		return nil, fmt.Errorf("schema: document missing address")
	}
	addr, err := solana.PublicKeyFromBase58(raw.Address)
	if err != nil {
		return nil, fmt.Errorf("schema: invalid document address %q: %w", raw.Address, err)
	}
	if len(raw.Instructions) == 0 {
		return nil, fmt.Errorf("schema: document has no instructions")
	}

	doc := &Document{Address: addr}
	for _, ri := range raw.Instructions {
		instr, err := parseInstruction(ri)
		if err != nil {
			return nil, err
		}
		doc.Instructions = append(doc.Instructions, instr)
	}
	return doc, nil
}

func parseInstruction(raw rawInstruction) (*Instruction, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("schema: instruction missing name")
	}
	if len(raw.Discriminator) != 8 {
		return nil, fmt.Errorf("schema: instruction %q: discriminator must be 8 bytes, got %d", raw.Name, len(raw.Discriminator))
	}
	instr := &Instruction{
		Name:          raw.Name,
		Discriminator: raw.Discriminator,
	}
	for _, ra := range raw.Accounts {
		if ra.Name == "" {
			return nil, fmt.Errorf("schema: instruction %q: account missing name", raw.Name)
		}
		desc := AccountDesc{
			Name:     ra.Name,
			Writable: ra.Writable,
			Signer:   ra.Signer,
			Address:  ra.Address,
		}
		if ra.PDA != nil {
			pda := &PDADesc{}
			if ra.PDA.Program != nil {
				pda.Program = &ProgramRef{
					Address: ra.PDA.Program.Address,
					Kind:    ra.PDA.Program.Kind,
					Value:   ra.PDA.Program.Value,
					Path:    ra.PDA.Program.Path,
				}
			}
			for _, rs := range ra.PDA.Seeds {
				pda.Seeds = append(pda.Seeds, SeedDesc{Kind: rs.Kind, Value: rs.Value, Path: rs.Path})
			}
			desc.PDA = pda
		}
		instr.Accounts = append(instr.Accounts, desc)
	}
	return instr, nil
}

// Instruction returns the named instruction, if the document defines it.
func (d *Document) Instruction(name string) (*Instruction, bool) {
	for _, instr := range d.Instructions {
		if instr.Name == name {
			return instr, true
		}
	}
	return nil, false
}

// Payload prepends the instruction discriminator to already-encoded argument
// bytes, producing the final instruction data.
func (i *Instruction) Payload(args []byte) []byte {
	data := make([]byte, 0, len(i.Discriminator)+len(args))
	data = append(data, i.Discriminator...)
	return append(data, args...)
}
