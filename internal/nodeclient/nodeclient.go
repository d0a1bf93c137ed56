// Package nodeclient defines the Bitcoin node RPC seam of spec.md §6 and
// provides a btcd rpcclient-backed adapter, grounded on the pack's
// btcd/dcrd-family files (other_examples/41d0bd8c_amazechain-btcd__...,
// other_examples/91958c33_leanlp-BTC-coinjoin__..., the lnd
// chainntnfs/*notify.go family) which all consume node RPC + notification
// APIs of this same shape.
package nodeclient

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/thehobbit85/chromanode/internal/model"
)

var log = logrus.WithFields(logrus.Fields{"process": "nodeclient"})

// TxHandler is invoked for every node `tx` event (spec.md §4.8).
type TxHandler func(txid model.Hash)

// BlockHandler is invoked for every node `block` event (spec.md §4.8).
// The event carries no payload in spec.md (ChainSync re-derives the tip
// via get_latest), matching btcd/bitcoind's blocknotify semantics.
type BlockHandler func()

// Client is the node RPC client of spec.md §6.
type Client interface {
	// GetLatest returns the node's current best tip.
	GetLatest(ctx context.Context) (model.Tip, error)
	// GetBlock returns the full decoded block at height.
	GetBlock(ctx context.Context, height int32) (*model.Block, error)
	// GetTx returns the raw decoded transaction for txid.
	GetTx(ctx context.Context, txid model.Hash) (*model.Tx, error)
	// GetMempoolTxs returns every txid currently in the node's mempool.
	GetMempoolTxs(ctx context.Context) ([]model.Hash, error)

	// OnTx registers the callback for node `tx` events.
	OnTx(TxHandler)
	// OnBlock registers the callback for node `block` events.
	OnBlock(BlockHandler)

	// Close releases the underlying connection.
	Close()
}

// BtcdClient adapts github.com/btcsuite/btcd/rpcclient to Client.
type BtcdClient struct {
	rpc *rpcclient.Client

	txHandlers    []TxHandler
	blockHandlers []BlockHandler
}

// Dial connects to a btcd/bitcoind-compatible RPC endpoint and wires its
// notification callbacks to the stored handlers.
func Dial(cfg *rpcclient.ConnConfig) (*BtcdClient, error) {
	c := &BtcdClient{}

	ntfnHandlers := &rpcclient.NotificationHandlers{
		OnTxAccepted: func(hash *chainhash.Hash, amount int64) {
			c.fireTx(hashFromChainhash(*hash))
		},
		OnBlockConnected: func(hash *chainhash.Hash, height int32, t interface{}) {
			c.fireBlock()
		},
	}

	rpc, err := rpcclient.New(cfg, ntfnHandlers)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: dial: %w", err)
	}

	c.rpc = rpc

	if err := rpc.NotifyNewTransactions(false); err != nil {
		log.WithError(err).Warn("node does not support tx notifications")
	}

	if err := rpc.NotifyBlocks(); err != nil {
		log.WithError(err).Warn("node does not support block notifications")
	}

	return c, nil
}

func (c *BtcdClient) fireTx(txid model.Hash) {
	for _, h := range c.txHandlers {
		h(txid)
	}
}

func (c *BtcdClient) fireBlock() {
	for _, h := range c.blockHandlers {
		h()
	}
}

// OnTx registers h for node tx events.
func (c *BtcdClient) OnTx(h TxHandler) { c.txHandlers = append(c.txHandlers, h) }

// OnBlock registers h for node block events.
func (c *BtcdClient) OnBlock(h BlockHandler) { c.blockHandlers = append(c.blockHandlers, h) }

// GetLatest returns the node's current best tip.
func (c *BtcdClient) GetLatest(ctx context.Context) (model.Tip, error) {
	hash, height, err := c.rpc.GetBestBlock()
	if err != nil {
		return model.Tip{}, fmt.Errorf("nodeclient: get_latest: %w", err)
	}

	return model.Tip{Hash: hashFromChainhash(*hash), Height: height}, nil
}

// GetBlock returns the full decoded block at height.
func (c *BtcdClient) GetBlock(ctx context.Context, height int32) (*model.Block, error) {
	hash, err := c.rpc.GetBlockHash(int64(height))
	if err != nil {
		return nil, fmt.Errorf("nodeclient: get_block_hash(%d): %w", height, err)
	}

	msgBlock, err := c.rpc.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: get_block(%d): %w", height, err)
	}

	return decodeBlock(msgBlock), nil
}

// GetTx returns the raw decoded transaction for txid.
func (c *BtcdClient) GetTx(ctx context.Context, txid model.Hash) (*model.Tx, error) {
	hash := chainhash.Hash(txid)

	raw, err := c.rpc.GetRawTransaction(&hash)
	if err != nil {
		return nil, fmt.Errorf("nodeclient: get_tx(%s): %w", txid, err)
	}

	return decodeTx(raw.MsgTx()), nil
}

// GetMempoolTxs returns every txid currently in the node's mempool.
func (c *BtcdClient) GetMempoolTxs(ctx context.Context) ([]model.Hash, error) {
	hashes, err := c.rpc.GetRawMempool()
	if err != nil {
		return nil, fmt.Errorf("nodeclient: get_mempool_txs: %w", err)
	}

	out := make([]model.Hash, len(hashes))
	for i, h := range hashes {
		out[i] = hashFromChainhash(*h)
	}

	return out, nil
}

// Close releases the underlying connection.
func (c *BtcdClient) Close() {
	c.rpc.Shutdown()
	c.rpc.WaitForShutdown()
}

func hashFromChainhash(h chainhash.Hash) model.Hash {
	return model.Hash(h)
}

func decodeBlock(msg *wire.MsgBlock) *model.Block {
	b := &model.Block{
		Hash:   hashFromChainhash(msg.BlockHash()),
		Header: encodeHeader(msg),
		Txs:    make([]*model.Tx, len(msg.Transactions)),
	}

	for i, tx := range msg.Transactions {
		b.Txs[i] = decodeTx(tx)
	}

	return b
}

func encodeHeader(msg *wire.MsgBlock) model.Header {
	var buf [model.HeaderSize]byte
	// wire.BlockHeader.Serialize writes exactly 80 bytes; any error here
	// means btcd itself is broken, which this indexer cannot recover
	// from, so it is surfaced by letting the subsequent bytes stay zero
	// rather than panicking the sync loop.
	w := &fixedWriter{buf: buf[:0]}
	_ = msg.Header.Serialize(w)

	var h model.Header
	copy(h[:], w.buf)

	return h
}

type fixedWriter struct{ buf []byte }

func (w *fixedWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)

	return len(p), nil
}

func decodeTx(msg *wire.MsgTx) *model.Tx {
	var rawBuf bytes.Buffer
	// msg.Serialize only fails on a short Write, which bytes.Buffer never
	// returns; raw stays empty in that unreachable case.
	_ = msg.Serialize(&rawBuf)

	tx := &model.Tx{
		Txid:    hashFromChainhash(msg.TxHash()),
		Raw:     rawBuf.Bytes(),
		Inputs:  make([]model.TxIn, len(msg.TxIn)),
		Outputs: make([]model.TxOut, len(msg.TxOut)),
	}

	for i, in := range msg.TxIn {
		tx.Inputs[i] = model.TxIn{
			PrevOut: model.OutPoint{
				Hash:  hashFromChainhash(in.PreviousOutPoint.Hash),
				Index: in.PreviousOutPoint.Index,
			},
		}
	}

	for i, out := range msg.TxOut {
		tx.Outputs[i] = model.TxOut{Value: out.Value, Script: out.PkScript}
	}

	return tx
}
