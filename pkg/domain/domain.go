// Package domain holds the value types persisted and exchanged by the
// indexing pipeline: deploys, mints, bitmaps, error-blocks, and the
// derived pattern rows computed from block data.
package domain

import "time"

// Deploy is a BRC-420 deploy: the declaration of a tokenlike
// collection that mints may subsequently reference.
type Deploy struct {
	ID               string // inscription id; identity
	Protocol         string // fixed "brc-420"
	Op               string // fixed "deploy"
	Name             string
	Max              int64 // maximum mint supply
	Price            string // decimal string, 8-fractional-digit precision ("satoshi grade")
	DeployerAddress  string
	BlockHeight      uint64
	Timestamp        int64 // millisecond epoch
	Position         int   // 1-based position in block
	SourceID         string // == ID for a deploy row
	MintCount        int64
	Wallet           string
	UpdatedAt        time.Time
}

// Mint is a BRC-420 mint claiming one instance of a Deploy.
type Mint struct {
	InscriptionID         string // identity
	DeployID              string
	SourceID              string // the content the mint references
	MintAddress           string
	TransactionID         string
	BlockHeight           uint64
	Timestamp             int64
	Position              int
	Wallet                string
	PreviousWallet        *string
	WalletUpdateBlock     *uint64
	WalletUpdateTimestamp *int64
}

// Bitmap is a claim of exclusive association with a Bitcoin block.
type Bitmap struct {
	InscriptionID           string // identity
	BlockHeight             uint64
	BitmapNumber            uint64
	Address                 string
	Content                 string
	Position                int
	PreviousAddress         *string
	AddressUpdateBlock      *uint64
	AddressUpdateTimestamp  *int64
}

// ErrorBlock records a block that failed wholesale and is due for retry
// once the chain cursor reaches RetryAt.
type ErrorBlock struct {
	BlockHeight uint64 // identity
	RetryAt     uint64
}

// BitmapPattern is the derived, non-authoritative digit-bucket summary
// of one block's transaction values, keyed by the bitmap number that
// claims that block.
type BitmapPattern struct {
	BitmapNumber  uint64
	PatternString string
}

// Digits returns the pattern as a slice of single digits, for
// consumers that prefer an array over the raw string.
func (p BitmapPattern) Digits() []int {
	digits := make([]int, 0, len(p.PatternString))
	for _, r := range p.PatternString {
		digits = append(digits, int(r-'0'))
	}
	return digits
}

// AddressHistoryEntry is one append-only row recording an inscription
// id's address at a given block height.
type AddressHistoryEntry struct {
	InscriptionID string
	BlockHeight   uint64
	Address       string
	RecordedAt    time.Time
}

// BlockSummary is the ephemeral, non-persisted per-kind outcome count
// for one processed block height.
type BlockSummary struct {
	Height  uint64
	Deploys int
	Mints   int
	Bitmaps int
	Skipped int
}
