package tximport

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thehobbit85/chromanode/internal/events"
	"github.com/thehobbit85/chromanode/internal/model"
	"github.com/thehobbit85/chromanode/internal/orphan"
	"github.com/thehobbit85/chromanode/internal/smartlock"
	"github.com/thehobbit85/chromanode/internal/storage"
)

type fakeBus struct {
	calls []string
}

func (b *fakeBus) Publish(channel string, payload any) error {
	b.calls = append(b.calls, channel)

	return nil
}

func p2pkhScript(t *testing.T, tag byte) []byte {
	t.Helper()

	hash160 := make([]byte, 20)
	hash160[0] = tag

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(hash160).AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	return script
}

func newImporter(t *testing.T) (*Importer, storage.Store, *fakeBus) {
	t.Helper()

	store := storage.NewMemory()
	bus := &fakeBus{}
	publisher := events.New(bus)
	lock := smartlock.New()
	orphans := orphan.New()

	return New(store, lock, orphans, publisher, &chaincfg.RegressionNetParams, nil), store, bus
}

func txWithParent(parent model.Hash, script []byte) *model.Tx {
	var txid model.Hash
	txid[0] = 0x99

	return &model.Tx{
		Txid:    txid,
		Raw:     []byte("raw-child"),
		Inputs:  []model.TxIn{{PrevOut: model.OutPoint{Hash: parent, Index: 0}}},
		Outputs: []model.TxOut{{Value: 5000, Script: script}},
	}
}

func coinbaseTx(script []byte) *model.Tx {
	var txid model.Hash
	txid[0] = 0x01

	return &model.Tx{
		Txid: txid,
		Raw:  []byte("raw-coinbase"),
		Inputs: []model.TxIn{{PrevOut: model.OutPoint{
			Hash: model.ZeroHash, Index: model.CoinbasePrevIndex,
		}}},
		Outputs: []model.TxOut{{Value: 5000000000, Script: script}},
	}
}

// TestImportDefersWhenParentMissing covers spec.md §8 scenario S3: a
// transaction whose parent has not yet been imported is registered with
// the OrphanRegistry instead of being recorded.
func TestImportDefersWhenParentMissing(t *testing.T) {
	imp, store, bus := newImporter(t)

	var missingParent model.Hash
	missingParent[0] = 0x42

	child := txWithParent(missingParent, p2pkhScript(t, 0xAB))

	result, err := imp.Import(context.Background(), child)
	require.NoError(t, err)
	assert.Equal(t, Deferred, result.Outcome)
	assert.Equal(t, []model.Hash{missingParent}, result.MissingParents)
	assert.Empty(t, bus.calls, "a deferred import must not publish any event")

	err = store.WithTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.TxByID(context.Background(), child.Txid)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		return nil
	})
	require.NoError(t, err)
}

// TestImportResolvesOrphanOnceParentArrives completes scenario S3: once
// the parent is imported, the previously deferred child becomes
// importable via OrphanRegistry.Resolve, and the onResolved hook fires.
func TestImportResolvesOrphanOnceParentArrives(t *testing.T) {
	store := storage.NewMemory()
	bus := &fakeBus{}
	publisher := events.New(bus)
	lock := smartlock.New()
	orphans := orphan.New()

	var resolvedChildren []model.Hash
	imp := New(store, lock, orphans, publisher, &chaincfg.RegressionNetParams, func(h model.Hash) {
		resolvedChildren = append(resolvedChildren, h)
	})

	parent := coinbaseTx(p2pkhScript(t, 0xCC))
	child := txWithParent(parent.Txid, p2pkhScript(t, 0xAB))

	result, err := imp.Import(context.Background(), child)
	require.NoError(t, err)
	require.Equal(t, Deferred, result.Outcome)
	assert.Equal(t, 1, orphans.Len())

	result, err = imp.Import(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, Imported, result.Outcome)

	require.Len(t, resolvedChildren, 1)
	assert.Equal(t, child.Txid, resolvedChildren[0])
	assert.Equal(t, 0, orphans.Len())
}

// TestImportCoinbaseHasNoParentsAndUpdatesNoInputHistory covers spec.md
// §8 boundary case 10: a coinbase input is never treated as a parent to
// wait on, and does not attempt to look up or update a spent-output
// history row.
func TestImportCoinbaseHasNoParentsAndUpdatesNoInputHistory(t *testing.T) {
	imp, store, bus := newImporter(t)

	tx := coinbaseTx(p2pkhScript(t, 0xDD))

	result, err := imp.Import(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, Imported, result.Outcome)

	require.Contains(t, bus.calls, events.ChannelBroadcastTx)
	require.Contains(t, bus.calls, events.ChannelAddTx)
	require.Contains(t, bus.calls, events.ChannelBroadcastAddress)

	err = store.WithTx(context.Background(), func(s storage.Tx) error {
		row, err := s.TxByID(context.Background(), tx.Txid)
		require.NoError(t, err)
		assert.Nil(t, row.Height)

		return nil
	})
	require.NoError(t, err)
}

// TestImportAlreadyPresentIsNoop covers the "transaction row already
// exists" branch of spec.md §4.4 step 1: re-importing a known tx must
// not touch history or publish events again.
func TestImportAlreadyPresentIsNoop(t *testing.T) {
	imp, _, bus := newImporter(t)

	tx := coinbaseTx(p2pkhScript(t, 0xEE))

	_, err := imp.Import(context.Background(), tx)
	require.NoError(t, err)

	before := len(bus.calls)

	result, err := imp.Import(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, AlreadyPresent, result.Outcome)
	assert.Equal(t, before, len(bus.calls), "re-importing an existing tx must not publish anything")
}
