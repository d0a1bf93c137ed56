// Package colorscan implements ColorRescanner, spec.md §4.9: a
// post-commit scanner that maintains the colored-coin scan frontier
// (the color_scanned table) as a reorg-aware shadow of the core
// indexer's confirmed chain, driven by a plug-in registry of
// color-definition classes (epobc being the one concrete
// implementation carried over from the system this was distilled
// from — see the colored-coin plug-in registry entry in SPEC_FULL.md's
// DOMAIN STACK section).
//
// Grounded on the teacher's pkg/core/database/heavy/driver.go
// registry pattern (concrete implementations self-register, callers
// depend only on the interface) for the Definition plug-in shape, and
// on pkg/core/chain/chain.go's single-mutex-serialized mutation
// methods for add_txs/remove_txs/update_blocks sharing one lock.
package colorscan

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/thehobbit85/chromanode/internal/model"
	"github.com/thehobbit85/chromanode/internal/storage"
)

var log = logrus.WithFields(logrus.Fields{"process": "colorscan"})

// Definition is one color-definition class's plug-in surface (spec.md
// §4.9/REDESIGN FLAGS's "capability set {full_scan_tx, remove_color_values,
// id_pattern_for}", generalized to also cover the definition-identity
// lookup remove_txs needs).
type Definition interface {
	// Class names the definition class (e.g. "epobc").
	Class() string
	// FullScanTx inspects tx for this class's colored-coin markers,
	// fetching any referenced parent transaction through getTx, and
	// records whatever color-value state the class needs.
	FullScanTx(ctx context.Context, tx *model.Tx, getTx func(context.Context, model.Hash) (*model.Tx, error)) error
	// RemoveColorValues discards any color-value state this class
	// attached to txid (the non-genesis removal path).
	RemoveColorValues(ctx context.Context, txid model.Hash) error
	// FindDefinitionID reports the definition id this class previously
	// registered for txid, if txid was itself a genesis/definition
	// transaction for this class (the genesis removal path).
	FindDefinitionID(txid model.Hash) (id string, ok bool)
	// DropDefinition removes a previously registered definition by id.
	DropDefinition(id string) error
}

// CoreReader is the narrow read seam ColorRescanner needs onto the core
// indexer's confirmed chain (spec.md §4.9 step 1/2/4): its own store,
// but read-only and without the import side-effects BlockImporter/TxImporter
// carry.
type CoreReader interface {
	Latest(ctx context.Context) (model.Tip, error)
	BlockAt(ctx context.Context, h int32) (storage.BlockRow, error)
	TxByID(ctx context.Context, txid model.Hash) (storage.TxRow, error)
	UnconfirmedTxids(ctx context.Context) ([]model.Hash, error)
}

// Scanner is ColorRescanner (spec.md §4.9).
type Scanner struct {
	store       storage.Store
	definitions []Definition

	// mu serializes add_txs, remove_txs, and update_blocks: "share the
	// same lock... at most one of them runs at a time" (spec.md §5).
	mu sync.Mutex
}

// New returns a Scanner over store with the given registered definition
// classes.
func New(store storage.Store, definitions ...Definition) *Scanner {
	return &Scanner{store: store, definitions: definitions}
}

// AddTxs is add_txs (spec.md §4.9): scan each not-yet-scanned txid with
// every registered definition class and record it as unconfirmed.
// Per-tx errors are logged and do not abort sibling work.
func (s *Scanner) AddTxs(ctx context.Context, txids []model.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addTxsLocked(ctx, txids)

	return nil
}

func (s *Scanner) addTxsLocked(ctx context.Context, txids []model.Hash) {
	for _, txid := range txids {
		if err := s.addOne(ctx, txid); err != nil {
			log.WithError(err).WithField("txid", txid.String()).Error("color scan failed")
		}
	}
}

func (s *Scanner) addOne(ctx context.Context, txid model.Hash) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, ok, err := tx.ColorScanned(ctx, txid); err != nil {
			return err
		} else if ok {
			return nil
		}

		row, err := tx.TxByID(ctx, txid)
		if err != nil {
			return fmt.Errorf("colorscan: tx_by_id(%s): %w", txid, err)
		}

		decoded, err := decodeTx(txid, row.Raw)
		if err != nil {
			return fmt.Errorf("colorscan: decode(%s): %w", txid, err)
		}

		getTx := func(ctx context.Context, id model.Hash) (*model.Tx, error) {
			r, err := tx.TxByID(ctx, id)
			if err != nil {
				return nil, err
			}

			return decodeTx(id, r.Raw)
		}

		for _, def := range s.definitions {
			if err := def.FullScanTx(ctx, decoded, getTx); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"txid": txid.String(), "class": def.Class(),
				}).Error("definition scan failed")
			}
		}

		return tx.UpsertColorScanned(ctx, storage.ColorScannedRow{Txid: txid})
	})
}

// RemoveTxs is remove_txs (spec.md §4.9): for each scanned txid, either
// drop the definition it created (genesis path) or strip its per-tx
// color values, then delete its color-scanned row.
func (s *Scanner) RemoveTxs(ctx context.Context, txids []model.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeTxsLocked(ctx, txids)

	return nil
}

func (s *Scanner) removeTxsLocked(ctx context.Context, txids []model.Hash) {
	for _, txid := range txids {
		if err := s.removeOne(ctx, txid); err != nil {
			log.WithError(err).WithField("txid", txid.String()).Error("color unscan failed")
		}
	}
}

func (s *Scanner) removeOne(ctx context.Context, txid model.Hash) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, ok, err := tx.ColorScanned(ctx, txid); err != nil {
			return err
		} else if !ok {
			return nil
		}

		for _, def := range s.definitions {
			if id, ok := def.FindDefinitionID(txid); ok {
				if err := def.DropDefinition(id); err != nil {
					log.WithError(err).WithField("id", id).Error("drop definition failed")
				}

				continue
			}

			if err := def.RemoveColorValues(ctx, txid); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"txid": txid.String(), "class": def.Class(),
				}).Error("remove color values failed")
			}
		}

		return tx.DeleteColorScanned(ctx, txid)
	})
}

// UpdateBlocks is update_blocks (spec.md §4.9): the rescanner's own
// reorg-aware advance toward the core indexer's confirmed chain.
func (s *Scanner) UpdateBlocks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		advanced, err := s.updateBlocksOnce(ctx)
		if err != nil {
			return err
		}

		if !advanced {
			return s.reconcileUnconfirmed(ctx)
		}
	}
}

// updateBlocksOnce runs spec.md §4.9's update_blocks steps 1-4 once and
// reports whether it advanced the scan frontier by one confirmed block
// (the caller loops until it returns false, implementing step 5's
// "loop back to step 1").
func (s *Scanner) updateBlocksOnce(ctx context.Context) (bool, error) {
	scannedTip, coreTip, err := s.readTips(ctx)
	if err != nil {
		return false, err
	}

	if scannedTip == coreTip {
		return false, nil
	}

	rollbackHeight, needsRollback, err := s.findRollbackPoint(ctx, scannedTip, coreTip)
	if err != nil {
		return false, err
	}

	if needsRollback && rollbackHeight < scannedTip.Height {
		if err := s.store.WithTx(ctx, func(tx storage.Tx) error {
			return tx.SetColorScannedHeightNullAbove(ctx, rollbackHeight)
		}); err != nil {
			return false, err
		}
	}

	nextHeight := rollbackHeight + 1
	if nextHeight > coreTip.Height {
		return false, nil
	}

	var (
		block      storage.BlockRow
		alreadyAdd []model.Hash
	)

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error

		block, err = tx.BlockAt(ctx, nextHeight)

		return err
	})
	if err != nil {
		return false, fmt.Errorf("colorscan: block_at(%d): %w", nextHeight, err)
	}

	for _, txid := range block.Txids {
		var present bool

		err := s.store.WithTx(ctx, func(tx storage.Tx) error {
			_, ok, err := tx.ColorScanned(ctx, txid)
			present = ok

			return err
		})
		if err != nil {
			return false, err
		}

		// Run the same scan-and-insert-as-unconfirmed routine add_txs
		// uses (spec.md §4.9 step 4's "the internal add"); a txid seen
		// for the first time here — a coinbase output, say, which never
		// passes through AddTxs because it's never broadcast to the
		// mempool — gets scanned and recorded unconfirmed now, and only
		// promoted to confirmed on the pass where it is already
		// present. A per-tx scan failure is logged and does not stall
		// the rest of the block, matching add_txs's own tolerance.
		if err := s.addOne(ctx, txid); err != nil {
			log.WithError(err).WithField("txid", txid.String()).Error("color scan failed")
		}

		if present {
			alreadyAdd = append(alreadyAdd, txid)
		}
	}

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		h := nextHeight

		for _, txid := range alreadyAdd {
			if err := tx.UpsertColorScanned(ctx, storage.ColorScannedRow{
				Txid: txid, Blockhash: &block.Hash, Height: &h,
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

func (s *Scanner) readTips(ctx context.Context) (model.Tip, model.Tip, error) {
	scanned := model.EmptyTip
	core := model.EmptyTip

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		row, ok, err := tx.ColorScannedLatest(ctx)
		if err != nil {
			return err
		}

		if ok {
			scanned = model.Tip{Hash: *row.Blockhash, Height: *row.Height}
		}

		core, err = tx.Latest(ctx)

		return err
	})
	if err != nil {
		return model.Tip{}, model.Tip{}, fmt.Errorf("colorscan: read_tips: %w", err)
	}

	return scanned, core, nil
}

// findRollbackPoint implements step 2: decide whether the scanner's
// frontier needs walking back, and to what height. An empty scannedTip
// (height -1) takes the no-rollback path: coreHashAt(-1) finds no block
// and returns the zero hash, which equals the empty tip's hash.
//
// If the scanner's own recorded hash at its latest scanned height still
// matches the core chain there, no rollback is needed: the scanner is
// simply behind, and advances forward from its current height. If it
// does not match — a reorg happened under the scanner — walk back one
// height at a time, comparing the scanner's own recorded blockhash at
// that height against the core chain's, until they agree (or the
// scanner has no recorded block left, in which case it restarts from
// empty).
func (s *Scanner) findRollbackPoint(ctx context.Context, scannedTip, coreTip model.Tip) (int32, bool, error) {
	coreHash, err := s.coreHashAt(ctx, scannedTip.Height)
	if err != nil {
		return 0, false, err
	}

	if scannedTip.Height < coreTip.Height && coreHash == scannedTip.Hash {
		return scannedTip.Height, false, nil
	}

	for height := scannedTip.Height; height >= 0; height-- {
		ourHash, ok, err := s.scannedBlockHashAt(ctx, height)
		if err != nil {
			return 0, false, err
		}

		if !ok {
			continue
		}

		coreHash, err := s.coreHashAt(ctx, height)
		if err != nil {
			return 0, false, err
		}

		if coreHash == ourHash {
			return height, true, nil
		}
	}

	return model.EmptyChainHeight, true, nil
}

func (s *Scanner) coreHashAt(ctx context.Context, height int32) (model.Hash, error) {
	var row storage.BlockRow

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error

		row, err = tx.BlockAt(ctx, height)
		if err == storage.ErrNotFound {
			return nil
		}

		return err
	})

	return row.Hash, err
}

func (s *Scanner) scannedBlockHashAt(ctx context.Context, height int32) (model.Hash, bool, error) {
	var (
		hash model.Hash
		ok   bool
	)

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error

		hash, ok, err = tx.ColorScannedBlockAt(ctx, height)

		return err
	})

	return hash, ok, err
}

// reconcileUnconfirmed implements spec.md §4.9's post-catch-up step:
// symmetric difference between color-scanned unconfirmed and the
// core's unconfirmed set.
func (s *Scanner) reconcileUnconfirmed(ctx context.Context) error {
	var scannedUnconfirmed, coreUnconfirmed []model.Hash

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error

		scannedUnconfirmed, err = tx.UnconfirmedColorScanned(ctx)
		if err != nil {
			return err
		}

		coreUnconfirmed, err = tx.UnconfirmedTxids(ctx)

		return err
	})
	if err != nil {
		return fmt.Errorf("colorscan: reconcile_unconfirmed: %w", err)
	}

	coreSet := make(map[model.Hash]struct{}, len(coreUnconfirmed))
	for _, id := range coreUnconfirmed {
		coreSet[id] = struct{}{}
	}

	scannedSet := make(map[model.Hash]struct{}, len(scannedUnconfirmed))
	for _, id := range scannedUnconfirmed {
		scannedSet[id] = struct{}{}
	}

	var toRemove, toAdd []model.Hash

	for _, id := range scannedUnconfirmed {
		if _, ok := coreSet[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range coreUnconfirmed {
		if _, ok := scannedSet[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}

	s.removeTxsLocked(ctx, toRemove)
	s.addTxsLocked(ctx, toAdd)

	return nil
}

func decodeTx(txid model.Hash, raw []byte) (*model.Tx, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("colorscan: deserialize: %w", err)
	}

	tx := &model.Tx{
		Txid:    txid,
		Raw:     raw,
		Inputs:  make([]model.TxIn, len(msg.TxIn)),
		Outputs: make([]model.TxOut, len(msg.TxOut)),
	}

	for i, in := range msg.TxIn {
		tx.Inputs[i] = model.TxIn{PrevOut: model.OutPoint{
			Hash: model.Hash(in.PreviousOutPoint.Hash), Index: in.PreviousOutPoint.Index,
		}}
	}

	for i, out := range msg.TxOut {
		tx.Outputs[i] = model.TxOut{Value: out.Value, Script: out.PkScript}
	}

	return tx, nil
}
