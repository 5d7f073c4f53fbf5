// Package types defines the chain data model shared by the bridge components.
//
// Hashes use the btcd chainhash representation, so String() yields the
// customary byte-reversed display order used on both RPC boundaries. Raw
// blocks and transactions are opaque: they are hex-validated at the edges and
// never parsed.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size constants for core types.
const (
	HashSize    = chainhash.HashSize
	HashHexSize = chainhash.MaxHashStringSize
)

var (
	// ErrInvalidHash is returned when a hash is not exactly 64 hex characters.
	ErrInvalidHash = errors.New("invalid hash: must be 64 hex characters")

	// ErrOddLengthHex is returned for hex strings with an odd number of digits.
	ErrOddLengthHex = errors.New("invalid hex: odd length")

	// ErrInvalidHexChar is returned for characters outside [0-9a-fA-F].
	ErrInvalidHexChar = errors.New("invalid hex: bad character")

	// ErrEmptyHex is returned when an empty payload is supplied.
	ErrEmptyHex = errors.New("invalid hex: empty")
)

// Hash is a 32-byte block or transaction hash.
type Hash = chainhash.Hash

// ParseHash parses a display-order hex hash. Unlike chainhash.NewHashFromStr
// it refuses short input instead of zero-padding it.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashHexSize {
		return Hash{}, ErrInvalidHash
	}
	if err := validateHex(s); err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return *h, nil
}

// HexBytes is an opaque byte payload carried as hex on the wire.
type HexBytes []byte

// DecodeHex strictly decodes a non-empty, even-length hex string.
func DecodeHex(s string) (HexBytes, error) {
	if len(s) == 0 {
		return nil, ErrEmptyHex
	}
	if err := validateHex(s); err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	return HexBytes(b), nil
}

// String returns the lowercase hex encoding.
func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// MarshalText implements encoding.TextMarshaler.
func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HexBytes) UnmarshalText(text []byte) error {
	decoded, err := DecodeHex(string(text))
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

func validateHex(s string) error {
	if len(s)%2 != 0 {
		return ErrOddLengthHex
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return fmt.Errorf("%w %q at offset %d", ErrInvalidHexChar, c, i)
		}
	}
	return nil
}

// ChainTip is the backend's best validated block at the time of the call.
type ChainTip struct {
	Height uint64
	Hash   Hash
}

// ChainInfo is the backend's view of the chain, normalized across RPC dialects.
type ChainInfo struct {
	// Chain is the backend's own chain name, untranslated.
	Chain string

	// Headers is the number of headers known to the backend.
	Headers uint64

	// Blocks is the height of the best fully validated block.
	Blocks uint64

	// BestHeight and BestBlock describe the backend's reported best block.
	// Core reports the validated tip; Floresta reports the best header.
	BestHeight uint64
	BestBlock  Hash

	// IBD is true while the backend reports initial block download.
	IBD bool

	// Progress is the backend's sync progress in [0, 1].
	Progress float64
}

// Tip returns the backend's best block.
func (c *ChainInfo) Tip() ChainTip {
	return ChainTip{Height: c.BestHeight, Hash: c.BestBlock}
}

// MaxTipLag is how many headers a synced backend may know beyond its last
// connected block. A node at the tip routinely receives a header before the
// block it announces is connected.
const MaxTipLag = 2

// Synced reports whether the backend considers itself fully synced: it has
// left initial block download and is connecting blocks as headers arrive.
func (c *ChainInfo) Synced() bool {
	return !c.IBD && c.Headers <= c.Blocks+MaxTipLag
}

// BlockRef addresses a block either by height or by hash.
type BlockRef struct {
	height uint64
	hash   Hash
	byHash bool
}

// BlockRefHeight returns a reference to the block at the given height.
func BlockRefHeight(height uint64) BlockRef {
	return BlockRef{height: height}
}

// BlockRefHash returns a reference to the block with the given hash.
func BlockRefHash(hash Hash) BlockRef {
	return BlockRef{hash: hash, byHash: true}
}

// IsHeight reports whether the reference addresses a height.
func (r BlockRef) IsHeight() bool { return !r.byHash }

// Height returns the referenced height. Only meaningful when IsHeight.
func (r BlockRef) Height() uint64 { return r.height }

// Hash returns the referenced hash. Only meaningful when !IsHeight.
func (r BlockRef) Hash() Hash { return r.hash }

func (r BlockRef) String() string {
	if r.byHash {
		return "hash " + r.hash.String()
	}
	return fmt.Sprintf("height %d", r.height)
}

// UTXO is an unspent transaction output.
type UTXO struct {
	Amount btcutil.Amount
	Script HexBytes
}
