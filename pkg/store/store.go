// Package store defines the persistent-storage contract for the
// indexer and its SQLite-backed implementation: idempotent upserts
// for deploys, mints and bitmaps; transactional wallet/address
// transfers and mint-count increments; error-block bookkeeping for
// the driver's retry sweep; and derived bitmap-pattern rows for the
// visualization collaborator.
package store

import (
	"context"

	"github.com/brc420/ordindexer/pkg/domain"
)

// maxPageSize bounds every paginated scan to a hard upper limit.
const maxPageSize = 1000

// Store is the narrow persistence contract the rest of the indexer
// depends on: one interface, one concrete engine behind it.
type Store interface {
	SaveDeploy(ctx context.Context, d *domain.Deploy) (inserted bool, err error)
	GetDeploy(ctx context.Context, id string) (*domain.Deploy, error)
	IncrementMintCount(ctx context.Context, deployID string, newCount int64) error
	UpdateDeployWallet(ctx context.Context, id, wallet string, updatedAt int64) error

	SaveMint(ctx context.Context, m *domain.Mint) (inserted bool, err error)
	GetMint(ctx context.Context, inscriptionID string) (*domain.Mint, error)
	UpdateMintWallet(ctx context.Context, inscriptionID, newWallet string, blockHeight uint64, ts int64) error

	SaveBitmap(ctx context.Context, b *domain.Bitmap) (inserted bool, err error)
	GetBitmapByNumber(ctx context.Context, number uint64) (*domain.Bitmap, error)
	UpdateBitmapAddress(ctx context.Context, inscriptionID, newAddress string, blockHeight uint64, ts int64) error

	SaveErrorBlock(ctx context.Context, height, retryAt uint64) error
	ListDueErrorBlocks(ctx context.Context, cursor uint64) ([]domain.ErrorBlock, error)
	DeleteErrorBlock(ctx context.Context, height uint64) error

	SaveBitmapPattern(ctx context.Context, bitmapNumber uint64, patternString string) error
	GetBitmapPattern(ctx context.Context, bitmapNumber uint64) (string, error)

	AppendAddressHistory(ctx context.Context, entry domain.AddressHistoryEntry) error
	ListAddressHistory(ctx context.Context, inscriptionID string, limit, offset int) ([]domain.AddressHistoryEntry, error)

	SearchDeploys(ctx context.Context, namePrefix string, limit, offset int) ([]domain.Deploy, error)

	Close() error
}

func clampPageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
