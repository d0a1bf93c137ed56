package blockimport

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thehobbit85/chromanode/internal/events"
	"github.com/thehobbit85/chromanode/internal/model"
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

func (b *fakeBus) count(channel string) int {
	n := 0

	for _, c := range b.calls {
		if c == channel {
			n++
		}
	}

	return n
}

func p2pkhScript(tag byte) []byte {
	hash160 := make([]byte, 20)
	hash160[0] = tag

	script, _ := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(hash160).AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()

	return script
}

func header(prev model.Hash, salt byte) model.Header {
	var h model.Header
	copy(h[4:36], prev[:])
	h[0] = salt

	return h
}

func coinbaseBlock(prevHash model.Hash, salt byte, outScript []byte) *model.Block {
	var txid model.Hash
	txid[0] = salt
	txid[31] = 0xC0

	tx := &model.Tx{
		Txid: txid,
		Raw:  []byte{salt},
		Inputs: []model.TxIn{{PrevOut: model.OutPoint{
			Hash: model.ZeroHash, Index: model.CoinbasePrevIndex,
		}}},
		Outputs: []model.TxOut{{Value: 5000000000, Script: outScript}},
	}

	var blockHash model.Hash
	blockHash[0] = salt
	blockHash[31] = 0xB0

	return &model.Block{Hash: blockHash, Header: header(prevHash, salt), Txs: []*model.Tx{tx}}
}

func newImporter(t *testing.T) (*Importer, storage.Store, *fakeBus) {
	t.Helper()

	store := storage.NewMemory()
	bus := &fakeBus{}
	publisher := events.New(bus)
	lock := smartlock.New()

	return New(store, lock, publisher, &chaincfg.RegressionNetParams), store, bus
}

// TestImportLinearAdvance covers spec.md §8 scenario S1: three blocks
// imported in order into an empty store produce a strictly increasing
// tip and one broadcastblock/addblock pair per block.
func TestImportLinearAdvance(t *testing.T) {
	imp, store, bus := newImporter(t)

	b0 := coinbaseBlock(model.ZeroHash, 0x01, p2pkhScript(0xA0))
	b1 := coinbaseBlock(b0.Hash, 0x02, p2pkhScript(0xA1))
	b2 := coinbaseBlock(b1.Hash, 0x03, p2pkhScript(0xA2))

	require.NoError(t, imp.Import(context.Background(), b0, 0))
	require.NoError(t, imp.Import(context.Background(), b1, 1))
	require.NoError(t, imp.Import(context.Background(), b2, 2))

	assert.Equal(t, 3, bus.count(events.ChannelBroadcastBlock))
	assert.Equal(t, 3, bus.count(events.ChannelAddBlock))

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		latest, err := tx.Latest(context.Background())
		require.NoError(t, err)
		assert.Equal(t, b2.Hash, latest.Hash)
		assert.Equal(t, int32(2), latest.Height)

		return nil
	})
	require.NoError(t, err)
}

// TestImportEmptyStoreAcceptsBlockZero covers spec.md §8 boundary case 9.
func TestImportEmptyStoreAcceptsBlockZero(t *testing.T) {
	imp, store, _ := newImporter(t)

	b0 := coinbaseBlock(model.ZeroHash, 0x01, p2pkhScript(0xA0))

	require.NoError(t, imp.Import(context.Background(), b0, 0))

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		row, err := tx.BlockAt(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, b0.Hash, row.Hash)

		return nil
	})
	require.NoError(t, err)
}

// TestImportCoinbaseProducesNoInputHistoryUpdate covers spec.md §8
// boundary case 10 for BlockImporter: a coinbase input is skipped in
// step 3 and never looked up as a spent output.
func TestImportCoinbaseProducesNoInputHistoryUpdate(t *testing.T) {
	imp, _, bus := newImporter(t)

	b0 := coinbaseBlock(model.ZeroHash, 0x01, p2pkhScript(0xA0))

	require.NoError(t, imp.Import(context.Background(), b0, 0))

	// One broadcastaddress for the coinbase output, none for an input.
	assert.Equal(t, 1, bus.count(events.ChannelBroadcastAddress))
}

// TestImportUpgradesUnconfirmedTx covers spec.md §8 scenario S5: a
// transaction already stored unconfirmed is upgraded in place, its
// history rows' heights are set, and exactly one broadcasttx fires.
func TestImportUpgradesUnconfirmedTx(t *testing.T) {
	imp, store, bus := newImporter(t)

	script := p2pkhScript(0xB1)

	var txid model.Hash
	txid[0] = 0x55

	unconfirmed := &model.Tx{
		Txid:    txid,
		Raw:     []byte("raw"),
		Outputs: []model.TxOut{{Value: 1000, Script: script}},
	}

	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		require.NoError(t, tx.InsertUnconfirmedTx(context.Background(), txid, unconfirmed.Raw))

		return tx.InsertHistory(context.Background(), storage.HistoryRow{
			Address: "addr", Txid: txid, OutputIndex: 0, Value: 1000, Script: script,
		})
	})
	require.NoError(t, err)

	var blockHash model.Hash
	blockHash[0] = 0x99

	b := &model.Block{Hash: blockHash, Header: header(model.ZeroHash, 0x99), Txs: []*model.Tx{unconfirmed}}

	require.NoError(t, imp.Import(context.Background(), b, 0))

	assert.Equal(t, 1, bus.count(events.ChannelBroadcastTx))

	err = store.WithTx(context.Background(), func(tx storage.Tx) error {
		row, err := tx.TxByID(context.Background(), txid)
		require.NoError(t, err)
		require.NotNil(t, row.Height)
		assert.Equal(t, int32(0), *row.Height)

		return nil
	})
	require.NoError(t, err)
}
