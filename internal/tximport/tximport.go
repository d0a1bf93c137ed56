// Package tximport implements TxImporter, spec.md §4.4: importing a
// single unconfirmed transaction into storage under SmartLock, resolving
// orphans, and publishing the per-address and per-tx events.
//
// Grounded on the teacher's pkg/core/mempool/mempool.go accept pipeline
// (checkTx → insert into the verified pool → propagate), rewritten for
// plain-Bitcoin semantics (no contract-call verifier, no rusk proxy) and
// for the orphan/dependency handling spec.md §4.4/§4.2 actually require.
package tximport

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"github.com/thehobbit85/chromanode/internal/address"
	"github.com/thehobbit85/chromanode/internal/events"
	"github.com/thehobbit85/chromanode/internal/model"
	"github.com/thehobbit85/chromanode/internal/orphan"
	"github.com/thehobbit85/chromanode/internal/smartlock"
	"github.com/thehobbit85/chromanode/internal/storage"
)

var log = logrus.WithFields(logrus.Fields{"process": "tximport"})

// Outcome is the result of a TxImporter.Import call (spec.md §4.4's
// "Imported | AlreadyPresent | Deferred(parents_missing)").
type Outcome int

const (
	// Imported means the transaction was newly recorded as unconfirmed.
	Imported Outcome = iota
	// AlreadyPresent means a transaction row for this txid already
	// existed.
	AlreadyPresent
	// Deferred means one or more parents are missing; the tx was
	// registered with the OrphanRegistry instead of being imported.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Imported:
		return "imported"
	case AlreadyPresent:
		return "already_present"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Result is the outcome plus, for Deferred, the parents that were
// missing.
type Result struct {
	Outcome        Outcome
	MissingParents []model.Hash
}

// Importer is TxImporter (spec.md §4.4).
type Importer struct {
	store     storage.Store
	lock      *smartlock.SmartLock
	orphans   *orphan.Registry
	publisher *events.Publisher
	params    *chaincfg.Params

	// onResolved is invoked (outside of any lock) with every child txid
	// OrphanRegistry.Resolve returns for a just-imported parent, so the
	// caller (ChainSync) can re-enqueue them through Import, per spec.md
	// §4.4: "On commit, the caller invokes OrphanRegistry.resolve(txid)
	// and re-enqueues each resolved child through TxImporter."
	onResolved func(childTxid model.Hash)
}

// New returns an Importer. onResolved may be nil if the caller wires
// orphan re-enqueueing itself (see SetOnResolved).
func New(store storage.Store, lock *smartlock.SmartLock, orphans *orphan.Registry,
	publisher *events.Publisher, params *chaincfg.Params, onResolved func(model.Hash)) *Importer {
	return &Importer{
		store: store, lock: lock, orphans: orphans,
		publisher: publisher, params: params, onResolved: onResolved,
	}
}

// SetOnResolved wires the callback invoked with every child txid
// resolved by a successful Import, after construction. Used to break
// the construction cycle between Importer and ChainSync: the importer
// is built first, then handed to ChainSync, which then supplies itself
// as the re-enqueue target.
func (imp *Importer) SetOnResolved(fn func(model.Hash)) {
	imp.onResolved = fn
}

// Import attempts to record tx as unconfirmed, following spec.md §4.4's
// algorithm exactly: acquire SmartLock over parents+self, then run steps
// 1-6 inside one database transaction.
func (imp *Importer) Import(ctx context.Context, tx *model.Tx) (Result, error) {
	parents := tx.ParentIDs()

	keys := make([]string, 0, len(parents)+1)
	keys = append(keys, tx.Txid.String())

	for _, p := range parents {
		keys = append(keys, p.String())
	}

	var result Result

	err := imp.lock.WithLock(keys, func() error {
		return imp.store.WithTx(ctx, func(store storage.Tx) error {
			r, err := imp.importLocked(ctx, store, tx, parents)
			result = r

			return err
		})
	})
	if err != nil {
		return Result{}, err
	}

	if result.Outcome == Imported && imp.onResolved != nil {
		for _, child := range imp.orphans.Resolve(tx.Txid.String()) {
			imp.onResolved(parseHash(child))
		}
	}

	return result, nil
}

func (imp *Importer) importLocked(ctx context.Context, store storage.Tx, tx *model.Tx, parents []model.Hash) (Result, error) {
	// Step 1: already present?
	if _, err := store.TxByID(ctx, tx.Txid); err == nil {
		return Result{Outcome: AlreadyPresent}, nil
	} else if err != storage.ErrNotFound {
		return Result{}, fmt.Errorf("tximport: tx_by_id: %w", err)
	}

	// Step 2: which parents are missing?
	exist, err := store.TxsExist(ctx, parents)
	if err != nil {
		return Result{}, fmt.Errorf("tximport: txs_exist: %w", err)
	}

	var missing []model.Hash

	for _, p := range parents {
		if !exist[p] {
			missing = append(missing, p)
		}
	}

	if len(missing) > 0 {
		keys := make([]string, len(missing))
		for i, p := range missing {
			keys[i] = p.String()
		}

		imp.orphans.MarkOrphan(tx.Txid.String(), keys)

		return Result{Outcome: Deferred, MissingParents: missing}, nil
	}

	// Step 3: insert the transaction row (unconfirmed).
	if err := store.InsertUnconfirmedTx(ctx, tx.Txid, tx.Raw); err != nil {
		return Result{}, fmt.Errorf("tximport: insert_unconfirmed_tx: %w", err)
	}

	// Step 4: update history rows for each spent input.
	for _, in := range tx.Inputs {
		if in.PrevOut.IsCoinbase() {
			continue
		}

		addr, ok, err := store.SetInput(ctx, in.PrevOut, tx.Txid, nil)
		if err != nil {
			return Result{}, fmt.Errorf("tximport: set_input: %w", err)
		}

		if ok {
			imp.publisher.BroadcastAddress(store, addr, tx.Txid, nil, nil)
		}
	}

	// Step 5: insert history rows for each output's addresses.
	for k, out := range tx.Outputs {
		addrs, err := address.Extract(out.Script, imp.params)
		if err != nil {
			return Result{}, fmt.Errorf("tximport: extract address: %w", err)
		}

		for _, addr := range addrs {
			row := storage.HistoryRow{
				Address: addr, Txid: tx.Txid, OutputIndex: uint32(k),
				Value: out.Value, Script: out.Script,
			}
			if err := store.InsertHistory(ctx, row); err != nil {
				return Result{}, fmt.Errorf("tximport: insert_history: %w", err)
			}

			imp.publisher.BroadcastAddress(store, addr, tx.Txid, nil, nil)
		}
	}

	// Step 6.
	imp.publisher.BroadcastTx(store, tx.Txid, nil, nil)
	imp.publisher.AddTx(store, tx.Txid, true)

	return Result{Outcome: Imported}, nil
}

// parseHash is a tiny inverse of model.Hash.String for re-threading
// OrphanRegistry's string-keyed children back into model.Hash. Orphan
// keys are always produced by model.Hash.String in this package, so the
// round trip never sees malformed input.
func parseHash(s string) model.Hash {
	var h model.Hash

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != model.HashSize {
		log.WithField("txid", s).Error("orphan registry key is not a well-formed txid")

		return h
	}

	// Reverse back to internal byte order (model.Hash.String reverses to
	// RPC byte order).
	for i, v := range b {
		h[model.HashSize-1-i] = v
	}

	return h
}
