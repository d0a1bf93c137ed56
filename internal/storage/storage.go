// Package storage defines the relational-store seam spec.md §6 treats as
// an external collaborator ("the relational storage wrapper... is out of
// scope") and provides one concrete Postgres adapter (postgres.go) so the
// seam has a real implementation to exercise, following the teacher's
// driver-registry shape in pkg/core/database/heavy/driver.go.
package storage

import (
	"context"

	"github.com/thehobbit85/chromanode/internal/model"
)

// BlockRow is the persisted row for one confirmed block (spec.md §3).
type BlockRow struct {
	Height int32
	Hash   model.Hash
	Header model.Header
	Txids  []model.Hash
}

// TxRow is the persisted row for one transaction, confirmed or not
// (spec.md §3; Height == nil means unconfirmed).
type TxRow struct {
	Txid   model.Hash
	Raw    []byte
	Height *int32
}

// HistoryRow is one per-address, per-output ledger entry (spec.md §3).
type HistoryRow struct {
	Address     string
	Txid        model.Hash
	OutputIndex uint32
	Value       int64
	Script      []byte
	Height      *int32
	InputTxid   *model.Hash
	InputHeight *int32
}

// ColorScannedRow tracks colored-coin rescan progress for one txid
// (spec.md §3, §4.9).
type ColorScannedRow struct {
	Txid      model.Hash
	Blockhash *model.Hash
	Height    *int32
}

// OnCommitFunc is invoked after a transaction commits successfully. Used
// by internal/events to implement the commit-outbox pattern of spec.md
// §4.3/§9: event publication must be visible to subscribers iff the
// enclosing DB transaction commits.
type OnCommitFunc func()

// Tx is a single database transaction, matching spec.md §6's
// execute_transaction body parameter: "commits on success, rolls back on
// throw." Every method here either succeeds or returns an error that
// aborts the whole transaction; callers never need to roll back by hand.
type Tx interface {
	// Latest returns the stored chain tip as seen by this transaction,
	// including blocks it has inserted (or model.EmptyTip for an empty
	// store).
	Latest(ctx context.Context) (model.Tip, error)

	// BlockAt returns the stored block row at height h.
	BlockAt(ctx context.Context, h int32) (BlockRow, error)
	// InsertBlock inserts a new block row; height must be exactly
	// latest.Height+1 (spec.md §3 contiguity invariant).
	InsertBlock(ctx context.Context, row BlockRow) error
	// DeleteBlocksAbove deletes every block row with height > h,
	// returning the deleted rows' hashes in height-ascending order (for
	// the removeblock events of spec.md §4.7's rollback).
	DeleteBlocksAbove(ctx context.Context, h int32) ([]model.Hash, error)

	// TxByID returns the stored transaction row, or ErrNotFound.
	TxByID(ctx context.Context, txid model.Hash) (TxRow, error)
	// TxsExist reports, for each requested txid, whether a transaction
	// row exists — used by TxImporter to compute the missing-parent set.
	TxsExist(ctx context.Context, txids []model.Hash) (map[model.Hash]bool, error)
	// InsertUnconfirmedTx inserts a new unconfirmed transaction row.
	InsertUnconfirmedTx(ctx context.Context, txid model.Hash, raw []byte) error
	// InsertConfirmedTx inserts a new transaction row already confirmed
	// at height h.
	InsertConfirmedTx(ctx context.Context, txid model.Hash, raw []byte, height int32) error
	// ConfirmTx upgrades a previously unconfirmed transaction row in
	// place to height h.
	ConfirmTx(ctx context.Context, txid model.Hash, height int32) error
	// DeleteUnconfirmedTxs deletes the given unconfirmed transaction
	// rows (mempool reconciliation, spec.md §4.7 inner loop).
	DeleteUnconfirmedTxs(ctx context.Context, txids []model.Hash) error
	// UnconfirmedTxids returns every transaction row with Height == nil.
	UnconfirmedTxids(ctx context.Context) ([]model.Hash, error)
	// SetTxsHeightNull downgrades every transaction row with height > h
	// to unconfirmed (reorg rollback, spec.md §4.7).
	SetTxsHeightNull(ctx context.Context, h int32) error

	// InsertHistory inserts one history row for a newly-seen output.
	InsertHistory(ctx context.Context, row HistoryRow) error
	// SetProducerHeight sets Height on every history row produced by
	// txid (used on confirmation-upgrade, spec.md §4.6).
	SetProducerHeight(ctx context.Context, txid model.Hash, height int32) error
	// SetInput marks the history row at prevOut as spent by spender,
	// returning the row's address (spec.md §4.4 step 4, §4.6 step 3).
	// inputHeight is nil for an unconfirmed spend.
	SetInput(ctx context.Context, prevOut model.OutPoint, spender model.Hash, inputHeight *int32) (address string, ok bool, err error)
	// ClearInputsBySpender nulls input_txid/input_height on every
	// history row whose input_txid == spender (used when an unconfirmed
	// spender is deleted during mempool reconciliation).
	ClearInputsBySpender(ctx context.Context, spender model.Hash) error
	// DeleteHistoryByProducer deletes every history row produced by
	// txid (used when an unconfirmed producer is deleted).
	DeleteHistoryByProducer(ctx context.Context, txid model.Hash) error
	// SetHistoryHeightNullAbove nulls Height on producer-side history
	// rows with height > h (reorg rollback).
	SetHistoryHeightNullAbove(ctx context.Context, h int32) error
	// SetHistoryInputHeightNullAbove nulls InputHeight on history rows
	// with input_height > h (reorg rollback).
	SetHistoryInputHeightNullAbove(ctx context.Context, h int32) error

	// ColorScanned returns the color-scanned row for txid, ok=false if
	// absent.
	ColorScanned(ctx context.Context, txid model.Hash) (row ColorScannedRow, ok bool, err error)
	// UpsertColorScanned inserts or overwrites a color-scanned row.
	UpsertColorScanned(ctx context.Context, row ColorScannedRow) error
	// DeleteColorScanned removes the color-scanned row for txid.
	DeleteColorScanned(ctx context.Context, txid model.Hash) error
	// ColorScannedLatest returns the highest-height confirmed
	// color-scanned row, or ok=false if none is confirmed.
	ColorScannedLatest(ctx context.Context) (row ColorScannedRow, ok bool, err error)
	// ColorScannedBlockAt returns the blockhash recorded on any one
	// confirmed color-scanned row at height h, used by ColorRescanner's
	// reorg-aware walk-back (spec.md §4.9 update_blocks step 2).
	ColorScannedBlockAt(ctx context.Context, h int32) (hash model.Hash, ok bool, err error)
	// SetColorScannedHeightNullAbove nulls blockhash/height on every
	// color-scanned row with height > h (§4.9 step 3).
	SetColorScannedHeightNullAbove(ctx context.Context, h int32) error
	// UnconfirmedColorScanned returns every color-scanned row with
	// Height == nil.
	UnconfirmedColorScanned(ctx context.Context) ([]model.Hash, error)

	// OnCommit registers fn to run after this transaction commits
	// successfully; fn never runs if the transaction rolls back.
	OnCommit(fn OnCommitFunc)
}

// Store is the top-level storage handle: a connection pool plus
// execute_transaction (spec.md §6).
type Store interface {
	// WithTx runs body inside a new transaction, committing on a nil
	// return and rolling back otherwise, matching spec.md §6's
	// execute_transaction.
	WithTx(ctx context.Context, body func(Tx) error) error
	// Ping verifies connectivity and schema compatibility at startup
	// (see SPEC_FULL.md's health/readiness addition).
	Ping(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close() error
}
