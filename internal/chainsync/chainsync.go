// Package chainsync implements ChainSync, spec.md §4.7/§4.8: the
// top-level state machine that advances the stored tip to match the
// node, detects and rolls back reorgs, reconciles the mempool, and
// reacts to node tx/block notifications.
//
// Grounded on the teacher's pkg/core/chain/chain.go Loop/select-driven
// run loop (a single goroutine draining multiple channels, each branch
// short and delegating real work to a helper), generalized from Dusk's
// consensus round advance to a tip-following sync loop, plus
// golang.org/x/sync/singleflight (used by the rest of the pack for
// request coalescing) to implement "a second concurrent invocation
// returns the first's future", and golang.org/x/time/rate to throttle
// how fast newly-seen mempool txids are scheduled for import.
package chainsync

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/thehobbit85/chromanode/internal/blockimport"
	"github.com/thehobbit85/chromanode/internal/chainerr"
	"github.com/thehobbit85/chromanode/internal/events"
	"github.com/thehobbit85/chromanode/internal/model"
	"github.com/thehobbit85/chromanode/internal/nodeclient"
	"github.com/thehobbit85/chromanode/internal/orphan"
	"github.com/thehobbit85/chromanode/internal/smartlock"
	"github.com/thehobbit85/chromanode/internal/storage"
	"github.com/thehobbit85/chromanode/internal/tximport"
)

var log = logrus.WithFields(logrus.Fields{"process": "chainsync"})

// pollInterval bounds how long Run waits between cycles when no node
// notification arrives to wake it early.
const pollInterval = 30 * time.Second

// ChainSync is the tip-advance state machine of spec.md §4.7.
type ChainSync struct {
	node          nodeclient.Client
	store         storage.Store
	lock          *smartlock.SmartLock
	orphans       *orphan.Registry
	publisher     *events.Publisher
	blockImporter *blockimport.Importer
	txImporter    *tximport.Importer

	outerBackoff time.Duration
	innerBackoff time.Duration

	importLimiter *rate.Limiter

	sf   singleflight.Group
	wake chan struct{}
}

// Config bundles ChainSync's collaborators and tunables.
type Config struct {
	Node          nodeclient.Client
	Store         storage.Store
	Lock          *smartlock.SmartLock
	Orphans       *orphan.Registry
	Publisher     *events.Publisher
	BlockImporter *blockimport.Importer
	TxImporter    *tximport.Importer

	OuterBackoff time.Duration
	InnerBackoff time.Duration

	// ImportRate caps how many of mempool reconciliation's to_add tx
	// imports are kicked off per second. Orphan-resolution re-enqueues
	// are started without waiting on this limit.
	ImportRate rate.Limit
}

// New returns a ChainSync and wires it as the TxImporter's orphan
// re-enqueue target (spec.md §4.4's "the caller... re-enqueues each
// resolved child through TxImporter").
func New(cfg Config) *ChainSync {
	if cfg.OuterBackoff == 0 {
		cfg.OuterBackoff = time.Second
	}

	if cfg.InnerBackoff == 0 {
		cfg.InnerBackoff = 5 * time.Second
	}

	if cfg.ImportRate == 0 {
		cfg.ImportRate = 50
	}

	s := &ChainSync{
		node: cfg.Node, store: cfg.Store, lock: cfg.Lock, orphans: cfg.Orphans,
		publisher: cfg.Publisher, blockImporter: cfg.BlockImporter, txImporter: cfg.TxImporter,
		outerBackoff:  cfg.OuterBackoff,
		innerBackoff:  cfg.InnerBackoff,
		importLimiter: rate.NewLimiter(cfg.ImportRate, 1),
		wake:          make(chan struct{}, 1),
	}

	s.txImporter.SetOnResolved(func(child model.Hash) {
		go s.RunTxImport(context.Background(), child)
	})

	return s
}

// Run wires node notifications and drives the sync loop until ctx is
// canceled.
func (s *ChainSync) Run(ctx context.Context) error {
	s.node.OnBlock(func() { s.signalWake() })
	s.node.OnTx(func(txid model.Hash) { go s.RunTxImport(ctx, txid) })

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.TriggerBlockImport(ctx); err != nil {
			backoff := s.outerBackoff

			var pe *phaseError
			if errors.As(err, &pe) && pe.phase == phaseInner {
				backoff = s.innerBackoff
			}

			log.WithError(err).Error("sync cycle failed, retrying after backoff")
			s.sleep(ctx, backoff)

			continue
		}

		s.waitForWakeOrTimeout(ctx)
	}
}

// TriggerBlockImport runs one full outer-loop-to-convergence pass plus
// one inner-loop mempool reconciliation pass. Concurrent callers share
// a single in-flight run via singleflight, matching spec.md §4.7's "a
// second concurrent invocation returns the first's future". Node block
// notifications do not call it directly: they wake Run's driving loop
// through a one-slot channel, so any number of notifications arriving
// during a run fold into a single follow-up run.
func (s *ChainSync) TriggerBlockImport(ctx context.Context) error {
	_, err, _ := s.sf.Do("sync", func() (any, error) {
		return nil, s.runCycle(ctx)
	})

	return err
}

const (
	phaseOuter = "outer"
	phaseInner = "inner"
)

type phaseError struct {
	phase string
	err   error
}

func (e *phaseError) Error() string { return e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

func (s *ChainSync) runCycle(ctx context.Context) error {
	s.publisher.BroadcastStatus("syncing", nil)

	if err := s.outerLoopOnce(ctx); err != nil {
		return &phaseError{phase: phaseOuter, err: err}
	}

	s.publisher.BroadcastStatus("reconciling-mempool", nil)

	if err := s.innerLoop(ctx); err != nil {
		return &phaseError{phase: phaseInner, err: err}
	}

	s.publisher.BroadcastStatus("idle", nil)

	return nil
}

func (s *ChainSync) readStoredLatest(ctx context.Context) (model.Tip, error) {
	var latest model.Tip

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		latest, err = tx.Latest(ctx)

		return err
	})
	if err != nil {
		return model.Tip{}, chainerr.Wrap(chainerr.KindTransient, err)
	}

	return latest, nil
}

func (s *ChainSync) readBlockAt(ctx context.Context, height int32) (storage.BlockRow, error) {
	var row storage.BlockRow

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		row, err = tx.BlockAt(ctx, height)

		return err
	})
	if err != nil {
		return storage.BlockRow{}, chainerr.Wrap(chainerr.KindTransient, err)
	}

	return row, nil
}

// outerLoopOnce implements spec.md §4.7's outer "advance" loop: walk
// forward importing blocks until the stored tip matches the node's,
// detecting and rolling back forks along the way.
func (s *ChainSync) outerLoopOnce(ctx context.Context) error {
	storedLatest, err := s.readStoredLatest(ctx)
	if err != nil {
		return err
	}

	nodeLatest, err := s.node.GetLatest(ctx)
	if err != nil {
		return chainerr.Wrap(chainerr.KindTransient, err)
	}

	for storedLatest.Hash != nodeLatest.Hash {
		local := storedLatest

		var candidate *model.Block

		for {
			c, err := s.node.GetBlock(ctx, local.Height+1)
			if err != nil {
				return chainerr.Wrap(chainerr.KindTransient, err)
			}

			if local.Hash == c.Header.PrevHash() {
				candidate = c

				break
			}

			row, err := s.readBlockAt(ctx, local.Height-1)
			if err != nil {
				return err
			}

			local = model.Tip{Hash: row.Hash, Height: row.Height}
		}

		if local.Hash != storedLatest.Hash {
			// Reorg: local is the common ancestor. Roll everything above
			// it back before importing the node's candidate that extends
			// it, keeping BlockImporter's stored_latest.hash == prev_hash
			// precondition intact.
			if err := s.rollbackTo(ctx, local.Height); err != nil {
				return err
			}

			storedLatest, err = s.readStoredLatest(ctx)
			if err != nil {
				return err
			}
		}

		if err := s.blockImporter.Import(ctx, candidate, local.Height+1); err != nil {
			return err
		}

		storedLatest = model.Tip{Hash: candidate.Hash, Height: local.Height + 1}

		for _, txid := range candidate.Txids() {
			for _, child := range s.orphans.Resolve(txid.String()) {
				go s.RunTxImport(ctx, parseHash(child))
			}
		}

		if nodeLatest.Height == storedLatest.Height {
			nodeLatest, err = s.node.GetLatest(ctx)
			if err != nil {
				return chainerr.Wrap(chainerr.KindTransient, err)
			}
		}
	}

	return nil
}

// rollbackTo performs spec.md §4.7's "Rollback at fork height f" under
// a single reorg_lock + database transaction.
func (s *ChainSync) rollbackTo(ctx context.Context, f int32) error {
	return s.lock.ReorgLock(func() error {
		return s.store.WithTx(ctx, func(tx storage.Tx) error {
			removed, err := tx.DeleteBlocksAbove(ctx, f)
			if err != nil {
				return err
			}

			if err := tx.SetTxsHeightNull(ctx, f); err != nil {
				return err
			}

			if err := tx.SetHistoryHeightNullAbove(ctx, f); err != nil {
				return err
			}

			if err := tx.SetHistoryInputHeightNullAbove(ctx, f); err != nil {
				return err
			}

			for _, h := range removed {
				s.publisher.RemoveBlock(tx, h)
			}

			return nil
		})
	})
}

// innerLoop implements spec.md §4.7's mempool reconciliation pass.
func (s *ChainSync) innerLoop(ctx context.Context) error {
	nodeMempool, err := s.node.GetMempoolTxs(ctx)
	if err != nil {
		return chainerr.Wrap(chainerr.KindTransient, err)
	}

	nodeSet := make(map[model.Hash]struct{}, len(nodeMempool))
	for _, id := range nodeMempool {
		nodeSet[id] = struct{}{}
	}

	var storedUnconfirmed []model.Hash

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		storedUnconfirmed, err = tx.UnconfirmedTxids(ctx)

		return err
	})
	if err != nil {
		return chainerr.Wrap(chainerr.KindTransient, err)
	}

	storedSet := make(map[model.Hash]struct{}, len(storedUnconfirmed))
	for _, id := range storedUnconfirmed {
		storedSet[id] = struct{}{}
	}

	var toRemove, toAdd []model.Hash

	for _, id := range storedUnconfirmed {
		if _, ok := nodeSet[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range nodeMempool {
		if _, ok := storedSet[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}

	if len(toRemove) > 0 {
		err = s.store.WithTx(ctx, func(tx storage.Tx) error {
			for _, id := range toRemove {
				if err := tx.DeleteHistoryByProducer(ctx, id); err != nil {
					return err
				}

				if err := tx.ClearInputsBySpender(ctx, id); err != nil {
					return err
				}
			}

			if err := tx.DeleteUnconfirmedTxs(ctx, toRemove); err != nil {
				return err
			}

			for _, id := range toRemove {
				s.publisher.RemoveTx(tx, id, true)
			}

			return nil
		})
		if err != nil {
			return chainerr.Wrap(chainerr.KindTransient, err)
		}
	}

	for _, id := range toAdd {
		if err := s.importLimiter.Wait(ctx); err != nil {
			return err
		}

		go s.RunTxImport(ctx, id)
	}

	return nil
}

// RunTxImport fetches txid from the node and drives it through
// TxImporter, logging (never panicking) on failure — this is
// _run_tx_import of spec.md §4.7/§4.8, invoked both from node tx
// notifications and from orphan resolution.
func (s *ChainSync) RunTxImport(ctx context.Context, txid model.Hash) {
	tx, err := s.node.GetTx(ctx, txid)
	if err != nil {
		log.WithError(err).WithField("txid", txid.String()).Warn("get_tx failed")

		return
	}

	if _, err := s.txImporter.Import(ctx, tx); err != nil {
		log.WithError(err).WithField("txid", txid.String()).Error("tx import failed")
	}
}

func (s *ChainSync) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *ChainSync) waitForWakeOrTimeout(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-time.After(pollInterval):
	}
}

func (s *ChainSync) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func parseHash(s string) model.Hash {
	var h model.Hash

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != model.HashSize {
		log.WithField("txid", s).Error("orphan registry key is not a well-formed txid")

		return h
	}

	for i, v := range b {
		h[model.HashSize-1-i] = v
	}

	return h
}
