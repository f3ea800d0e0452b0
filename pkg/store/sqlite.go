package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brc420/ordindexer/pkg/domain"
	"github.com/brc420/ordindexer/pkg/log"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deploys (
	id TEXT PRIMARY KEY,
	p TEXT NOT NULL,
	op TEXT NOT NULL,
	name TEXT NOT NULL,
	max INTEGER NOT NULL,
	price TEXT NOT NULL,
	deployer_address TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	source_id TEXT NOT NULL,
	wallet TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL DEFAULT 0,
	mint_count INTEGER NOT NULL DEFAULT 0,
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mints (
	inscription_id TEXT PRIMARY KEY,
	deploy_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	mint_address TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	position INTEGER NOT NULL,
	wallet TEXT NOT NULL,
	previous_wallet TEXT,
	wallet_update_block INTEGER,
	wallet_update_timestamp INTEGER
);
CREATE INDEX IF NOT EXISTS idx_mints_deploy_id ON mints(deploy_id);

CREATE TABLE IF NOT EXISTS bitmaps (
	inscription_id TEXT PRIMARY KEY,
	block_height INTEGER NOT NULL,
	bitmap_number INTEGER NOT NULL UNIQUE,
	address TEXT NOT NULL,
	content TEXT NOT NULL,
	position INTEGER NOT NULL,
	previous_address TEXT,
	address_update_block INTEGER,
	address_update_timestamp INTEGER
);

CREATE TABLE IF NOT EXISTS error_blocks (
	block_height INTEGER PRIMARY KEY,
	retry_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bitmap_patterns (
	bitmap_number INTEGER PRIMARY KEY,
	pattern_string TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS address_history (
	inscription_id TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	address TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_address_history_inscription ON address_history(inscription_id);
`

const busyRetries = 5

// SQLiteStore implements Store using modernc.org/sqlite, a pure-Go
// SQLite driver, over database/sql.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and migrates, if needed) the SQLite database
// at path, applying the pragmas the indexer requires: WAL journaling,
// normal synchronous mode, a 32 MiB page cache, and a memory
// temp-store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single logical connection

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-32000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=OFF",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: log.WithComponent("store")}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withBusyRetry retries fn a small fixed number of times when SQLite
// reports the database as locked or busy.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.logger.Warn().Int("attempt", attempt+1).Msg("database busy, retrying")
		select {
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func isBusy(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy"))
}

// SaveDeploy upserts a deploy row, ignoring the write if the id
// already exists: upserts are idempotent, ignoring on conflict.
func (s *SQLiteStore) SaveDeploy(ctx context.Context, d *domain.Deploy) (bool, error) {
	var inserted bool
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO deploys (id, p, op, name, max, price, deployer_address, block_height, timestamp, source_id, wallet, updated_at, mint_count, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			d.ID, d.Protocol, d.Op, d.Name, d.Max, d.Price, d.DeployerAddress, d.BlockHeight, d.Timestamp, d.SourceID, d.Wallet, d.UpdatedAt.Unix(), d.MintCount, d.Position)
		if err != nil {
			return fmt.Errorf("save deploy %s: %w", d.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for deploy %s: %w", d.ID, err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// GetDeploy returns nil, nil if no deploy with id exists.
func (s *SQLiteStore) GetDeploy(ctx context.Context, id string) (*domain.Deploy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, p, op, name, max, price, deployer_address, block_height, timestamp, source_id, wallet, updated_at, mint_count, position
		FROM deploys WHERE id = ?`, id)

	var d domain.Deploy
	var updatedAt int64
	err := row.Scan(&d.ID, &d.Protocol, &d.Op, &d.Name, &d.Max, &d.Price, &d.DeployerAddress, &d.BlockHeight, &d.Timestamp, &d.SourceID, &d.Wallet, &updatedAt, &d.MintCount, &d.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deploy %s: %w", id, err)
	}
	d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &d, nil
}

// IncrementMintCount sets the deploy's mint_count to newCount inside a
// transaction. newCount is computed by the caller; the current count
// is not re-read here, so two concurrent callers that computed the
// same newCount both write that value.
func (s *SQLiteStore) IncrementMintCount(ctx context.Context, deployID string, newCount int64) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `UPDATE deploys SET mint_count = ? WHERE id = ?`, newCount, deployID); err != nil {
			return fmt.Errorf("increment mint count for %s: %w", deployID, err)
		}
		return tx.Commit()
	})
}

// UpdateDeployWallet transfers a deploy's current holder wallet.
func (s *SQLiteStore) UpdateDeployWallet(ctx context.Context, id, wallet string, updatedAt int64) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE deploys SET wallet = ?, updated_at = ? WHERE id = ?`, wallet, updatedAt, id)
		if err != nil {
			return fmt.Errorf("update deploy wallet for %s: %w", id, err)
		}
		return nil
	})
}

// SaveMint upserts a mint row, ignoring the write on conflict.
func (s *SQLiteStore) SaveMint(ctx context.Context, m *domain.Mint) (bool, error) {
	var inserted bool
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO mints (inscription_id, deploy_id, source_id, mint_address, transaction_id, block_height, timestamp, position, wallet, previous_wallet, wallet_update_block, wallet_update_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(inscription_id) DO NOTHING`,
			m.InscriptionID, m.DeployID, m.SourceID, m.MintAddress, m.TransactionID, m.BlockHeight, m.Timestamp, m.Position, m.Wallet, m.PreviousWallet, m.WalletUpdateBlock, m.WalletUpdateTimestamp)
		if err != nil {
			return fmt.Errorf("save mint %s: %w", m.InscriptionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for mint %s: %w", m.InscriptionID, err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// GetMint returns nil, nil if no mint with the inscription id exists.
func (s *SQLiteStore) GetMint(ctx context.Context, inscriptionID string) (*domain.Mint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT inscription_id, deploy_id, source_id, mint_address, transaction_id, block_height, timestamp, position, wallet, previous_wallet, wallet_update_block, wallet_update_timestamp
		FROM mints WHERE inscription_id = ?`, inscriptionID)

	var m domain.Mint
	err := row.Scan(&m.InscriptionID, &m.DeployID, &m.SourceID, &m.MintAddress, &m.TransactionID, &m.BlockHeight, &m.Timestamp, &m.Position, &m.Wallet, &m.PreviousWallet, &m.WalletUpdateBlock, &m.WalletUpdateTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mint %s: %w", inscriptionID, err)
	}
	return &m, nil
}

// UpdateMintWallet performs a wallet transfer: the current wallet
// becomes previous_wallet, and wallet/wallet_update_* are set to the
// new holder and transfer block/time.
func (s *SQLiteStore) UpdateMintWallet(ctx context.Context, inscriptionID, newWallet string, blockHeight uint64, ts int64) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT wallet FROM mints WHERE inscription_id = ?`, inscriptionID).Scan(&current); err != nil {
			return fmt.Errorf("read current wallet for %s: %w", inscriptionID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE mints SET wallet = ?, previous_wallet = ?, wallet_update_block = ?, wallet_update_timestamp = ?
			WHERE inscription_id = ?`, newWallet, current, blockHeight, ts, inscriptionID)
		if err != nil {
			return fmt.Errorf("update mint wallet for %s: %w", inscriptionID, err)
		}
		return tx.Commit()
	})
}

// SaveBitmap upserts a bitmap row, ignoring the write on conflict
// (either the inscription id or the unique bitmap_number already exists).
func (s *SQLiteStore) SaveBitmap(ctx context.Context, b *domain.Bitmap) (bool, error) {
	var inserted bool
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO bitmaps (inscription_id, block_height, bitmap_number, address, content, position, previous_address, address_update_block, address_update_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			b.InscriptionID, b.BlockHeight, b.BitmapNumber, b.Address, b.Content, b.Position, b.PreviousAddress, b.AddressUpdateBlock, b.AddressUpdateTimestamp)
		if err != nil {
			return fmt.Errorf("save bitmap %s: %w", b.InscriptionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for bitmap %s: %w", b.InscriptionID, err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// GetBitmapByNumber returns nil, nil if no bitmap with that number
// has been accepted yet.
func (s *SQLiteStore) GetBitmapByNumber(ctx context.Context, number uint64) (*domain.Bitmap, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT inscription_id, block_height, bitmap_number, address, content, position, previous_address, address_update_block, address_update_timestamp
		FROM bitmaps WHERE bitmap_number = ?`, number)

	var b domain.Bitmap
	err := row.Scan(&b.InscriptionID, &b.BlockHeight, &b.BitmapNumber, &b.Address, &b.Content, &b.Position, &b.PreviousAddress, &b.AddressUpdateBlock, &b.AddressUpdateTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bitmap %d: %w", number, err)
	}
	return &b, nil
}

// UpdateBitmapAddress performs an ownership transfer analogous to
// UpdateMintWallet.
func (s *SQLiteStore) UpdateBitmapAddress(ctx context.Context, inscriptionID, newAddress string, blockHeight uint64, ts int64) error {
	return s.withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT address FROM bitmaps WHERE inscription_id = ?`, inscriptionID).Scan(&current); err != nil {
			return fmt.Errorf("read current address for %s: %w", inscriptionID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bitmaps SET address = ?, previous_address = ?, address_update_block = ?, address_update_timestamp = ?
			WHERE inscription_id = ?`, newAddress, current, blockHeight, ts, inscriptionID)
		if err != nil {
			return fmt.Errorf("update bitmap address for %s: %w", inscriptionID, err)
		}
		return tx.Commit()
	})
}

// SaveErrorBlock records (or refreshes) a block-level failure.
func (s *SQLiteStore) SaveErrorBlock(ctx context.Context, height, retryAt uint64) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO error_blocks (block_height, retry_at) VALUES (?, ?)
			ON CONFLICT(block_height) DO UPDATE SET retry_at = excluded.retry_at`, height, retryAt)
		if err != nil {
			return fmt.Errorf("save error block %d: %w", height, err)
		}
		return nil
	})
}

// ListDueErrorBlocks returns error-blocks whose retry_at has been
// reached by cursor.
func (s *SQLiteStore) ListDueErrorBlocks(ctx context.Context, cursor uint64) ([]domain.ErrorBlock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT block_height, retry_at FROM error_blocks WHERE retry_at <= ? ORDER BY block_height`, cursor)
	if err != nil {
		return nil, fmt.Errorf("list due error blocks: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorBlock
	for rows.Next() {
		var eb domain.ErrorBlock
		if err := rows.Scan(&eb.BlockHeight, &eb.RetryAt); err != nil {
			return nil, fmt.Errorf("scan error block: %w", err)
		}
		out = append(out, eb)
	}
	return out, rows.Err()
}

// DeleteErrorBlock removes an error-block after a successful retry.
func (s *SQLiteStore) DeleteErrorBlock(ctx context.Context, height uint64) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM error_blocks WHERE block_height = ?`, height)
		if err != nil {
			return fmt.Errorf("delete error block %d: %w", height, err)
		}
		return nil
	})
}

// SaveBitmapPattern upserts the derived digit-string pattern for a
// bitmap number; derived rows are always safe to overwrite, since
// they are rebuilt from block data and are never authoritative.
func (s *SQLiteStore) SaveBitmapPattern(ctx context.Context, bitmapNumber uint64, patternString string) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bitmap_patterns (bitmap_number, pattern_string) VALUES (?, ?)
			ON CONFLICT(bitmap_number) DO UPDATE SET pattern_string = excluded.pattern_string`, bitmapNumber, patternString)
		if err != nil {
			return fmt.Errorf("save bitmap pattern %d: %w", bitmapNumber, err)
		}
		return nil
	})
}

// GetBitmapPattern returns "", nil if no pattern has been derived yet.
func (s *SQLiteStore) GetBitmapPattern(ctx context.Context, bitmapNumber uint64) (string, error) {
	var pattern string
	err := s.db.QueryRowContext(ctx, `SELECT pattern_string FROM bitmap_patterns WHERE bitmap_number = ?`, bitmapNumber).Scan(&pattern)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get bitmap pattern %d: %w", bitmapNumber, err)
	}
	return pattern, nil
}

// AppendAddressHistory appends one entry to the append-only address
// history relation.
func (s *SQLiteStore) AppendAddressHistory(ctx context.Context, entry domain.AddressHistoryEntry) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO address_history (inscription_id, block_height, address, recorded_at) VALUES (?, ?, ?, ?)`,
			entry.InscriptionID, entry.BlockHeight, entry.Address, entry.RecordedAt.Unix())
		if err != nil {
			return fmt.Errorf("append address history for %s: %w", entry.InscriptionID, err)
		}
		return nil
	})
}

// ListAddressHistory returns the paginated ownership history of one
// inscription id, oldest first.
func (s *SQLiteStore) ListAddressHistory(ctx context.Context, inscriptionID string, limit, offset int) ([]domain.AddressHistoryEntry, error) {
	limit = clampPageSize(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT inscription_id, block_height, address, recorded_at FROM address_history
		WHERE inscription_id = ? ORDER BY block_height ASC LIMIT ? OFFSET ?`, inscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list address history for %s: %w", inscriptionID, err)
	}
	defer rows.Close()

	var out []domain.AddressHistoryEntry
	for rows.Next() {
		var e domain.AddressHistoryEntry
		var recordedAt int64
		if err := rows.Scan(&e.InscriptionID, &e.BlockHeight, &e.Address, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan address history row: %w", err)
		}
		e.RecordedAt = time.Unix(recordedAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchDeploys does a paginated prefix search over deploy names using
// SQL LIKE, which SQLite matches case-insensitively for ASCII letters.
func (s *SQLiteStore) SearchDeploys(ctx context.Context, namePrefix string, limit, offset int) ([]domain.Deploy, error) {
	limit = clampPageSize(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, p, op, name, max, price, deployer_address, block_height, timestamp, source_id, wallet, updated_at, mint_count, position
		FROM deploys WHERE name LIKE ? ORDER BY block_height ASC, position ASC LIMIT ? OFFSET ?`,
		namePrefix+"%", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search deploys %q: %w", namePrefix, err)
	}
	defer rows.Close()

	var out []domain.Deploy
	for rows.Next() {
		var d domain.Deploy
		var updatedAt int64
		if err := rows.Scan(&d.ID, &d.Protocol, &d.Op, &d.Name, &d.Max, &d.Price, &d.DeployerAddress, &d.BlockHeight, &d.Timestamp, &d.SourceID, &d.Wallet, &updatedAt, &d.MintCount, &d.Position); err != nil {
			return nil, fmt.Errorf("scan deploy row: %w", err)
		}
		d.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
