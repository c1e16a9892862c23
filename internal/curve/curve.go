// Package curve decodes pump.fun account state from its raw on-chain byte
// layout. Input bytes arrive from untrusted network sources (RPC responses and
// WebSocket notifications), so every decode path returns an error instead of
// panicking on malformed data.
package curve

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Account discriminators (first 8 bytes of account data).
var (
	// StateDiscriminator tags a BondingCurve account.
	StateDiscriminator = [8]byte{0x17, 0xb7, 0xf8, 0x37, 0x60, 0xd8, 0xac, 0x60}
	// GlobalDiscriminator tags the protocol Global config account.
	GlobalDiscriminator = [8]byte{0xa7, 0xe8, 0xe8, 0xb1, 0xc8, 0x6c, 0x72, 0x7f}
)

// Byte layout constants, relative to the start of the account data.
const (
	discriminatorLen = 8

	// stateMinLen covers discriminator + five u64 reserves + complete flag.
	stateMinLen = discriminatorLen + 5*8 + 1
	// stateCreatorLen additionally covers the trailing creator pubkey.
	stateCreatorLen = stateMinLen + 32

	// globalMinLen covers discriminator + initialized flag + authority +
	// fee recipient.
	globalMinLen = discriminatorLen + 1 + 32 + 32

	// feeRecipientOffset is where the fee recipient pubkey starts within the
	// post-discriminator slice (after the initialized flag and authority).
	feeRecipientOffset = 1 + 32

	lamportsPerSOL    = 1_000_000_000
	baseUnitsPerToken = 1_000_000
)

// Decode errors. All are recoverable; callers decide whether to retry, skip,
// or surface them.
var (
	ErrTooShort         = errors.New("curve: account data too short")
	ErrBadDiscriminator = errors.New("curve: unexpected account discriminator")
	ErrMigrated         = errors.New("curve: bonding curve migrated, no longer tradable")
	ErrZeroReserves     = errors.New("curve: virtual token reserves are zero")
)

// State is the decoded bonding-curve account. Reserve fields are raw on-chain
// units: SOL reserves in lamports, token reserves in base units (6 decimals).
type State struct {
	VirtualTokenReserves uint64
	VirtualSolReserves   uint64
	RealTokenReserves    uint64
	RealSolReserves      uint64
	TokenTotalSupply     uint64
	Complete             bool
	// Creator is set when the account carries the trailing creator field
	// (newer curve layout). Nil otherwise.
	Creator *solana.PublicKey
}

// DecodeState parses a bonding-curve account from raw bytes.
func DecodeState(data []byte) (*State, error) {
	if len(data) < stateMinLen {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrTooShort, len(data), stateMinLen)
	}
	if [8]byte(data[:discriminatorLen]) != StateDiscriminator {
		return nil, fmt.Errorf("%w: %x", ErrBadDiscriminator, data[:discriminatorLen])
	}

	body := data[discriminatorLen:]
	s := &State{
		VirtualTokenReserves: binary.LittleEndian.Uint64(body[0:8]),
		VirtualSolReserves:   binary.LittleEndian.Uint64(body[8:16]),
		RealTokenReserves:    binary.LittleEndian.Uint64(body[16:24]),
		RealSolReserves:      binary.LittleEndian.Uint64(body[24:32]),
		TokenTotalSupply:     binary.LittleEndian.Uint64(body[32:40]),
		Complete:             body[40] != 0,
	}

	if len(data) >= stateCreatorLen {
		pk := solana.PublicKeyFromBytes(body[41:73])
		s.Creator = &pk
	}
	return s, nil
}

// SpotPrice returns the current price in SOL per token derived from the
// virtual reserves. It fails once the curve has migrated or when the token
// reserves are zero, since the price is undefined in both cases.
func (s *State) SpotPrice() (float64, error) {
	if s.Complete {
		return 0, ErrMigrated
	}
	if s.VirtualTokenReserves == 0 {
		return 0, ErrZeroReserves
	}
	sol := float64(s.VirtualSolReserves) / lamportsPerSOL
	tokens := float64(s.VirtualTokenReserves) / baseUnitsPerToken
	return sol / tokens, nil
}

// Global is the decoded protocol Global config account. Only the fields the
// engine needs are extracted.
type Global struct {
	Initialized  bool
	FeeRecipient solana.PublicKey
}

// DecodeGlobal parses the Global config account from raw bytes.
func DecodeGlobal(data []byte) (*Global, error) {
	if len(data) < globalMinLen {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrTooShort, len(data), globalMinLen)
	}
	if [8]byte(data[:discriminatorLen]) != GlobalDiscriminator {
		return nil, fmt.Errorf("%w: %x", ErrBadDiscriminator, data[:discriminatorLen])
	}

	body := data[discriminatorLen:]
	return &Global{
		Initialized:  body[0] != 0,
		FeeRecipient: solana.PublicKeyFromBytes(body[feeRecipientOffset : feeRecipientOffset+32]),
	}, nil
}
