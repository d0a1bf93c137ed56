package nodeclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/thehobbit85/chromanode/internal/model"
)

// Fake is the deterministic test node spec.md §8 calls for ("use a
// deterministic test node"). It lets tests script a chain of blocks, a
// mempool set, and fire tx/block notifications synchronously.
type Fake struct {
	mu      sync.Mutex
	blocks  []*model.Block // index i holds the block at height i
	mempool map[model.Hash]*model.Tx

	txHandlers    []TxHandler
	blockHandlers []BlockHandler
}

// NewFake returns an empty Fake node.
func NewFake() *Fake {
	return &Fake{mempool: make(map[model.Hash]*model.Tx)}
}

// SetChain replaces the node's confirmed chain with blocks, indexed by
// height starting at 0. Used to script linear advances and reorgs (S1,
// S2 of spec.md §8).
func (f *Fake) SetChain(blocks []*model.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.blocks = blocks
}

// AppendBlock appends one block to the node's chain and fires a block
// notification.
func (f *Fake) AppendBlock(b *model.Block) {
	f.mu.Lock()
	f.blocks = append(f.blocks, b)
	f.mu.Unlock()

	f.FireBlock()
}

// SetMempool replaces the node's mempool contents.
func (f *Fake) SetMempool(txs []*model.Tx) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mempool = make(map[model.Hash]*model.Tx, len(txs))
	for _, tx := range txs {
		f.mempool[tx.Txid] = tx
	}
}

// AnnounceTx adds tx to the mempool and fires a tx notification (S3 of
// spec.md §8's orphan scenario).
func (f *Fake) AnnounceTx(tx *model.Tx) {
	f.mu.Lock()
	f.mempool[tx.Txid] = tx
	f.mu.Unlock()

	f.FireTx(tx.Txid)
}

// FireTx synchronously invokes every registered tx handler.
func (f *Fake) FireTx(txid model.Hash) {
	f.mu.Lock()
	handlers := append([]TxHandler(nil), f.txHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(txid)
	}
}

// FireBlock synchronously invokes every registered block handler.
func (f *Fake) FireBlock() {
	f.mu.Lock()
	handlers := append([]BlockHandler(nil), f.blockHandlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (f *Fake) OnTx(h TxHandler)       { f.txHandlers = append(f.txHandlers, h) }
func (f *Fake) OnBlock(h BlockHandler) { f.blockHandlers = append(f.blockHandlers, h) }

func (f *Fake) GetLatest(ctx context.Context) (model.Tip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.blocks) == 0 {
		return model.EmptyTip, nil
	}

	top := f.blocks[len(f.blocks)-1]

	return model.Tip{Hash: top.Hash, Height: int32(len(f.blocks) - 1)}, nil
}

func (f *Fake) GetBlock(ctx context.Context, height int32) (*model.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if height < 0 || int(height) >= len(f.blocks) {
		return nil, fmt.Errorf("nodeclient: fake: no block at height %d", height)
	}

	return f.blocks[height], nil
}

func (f *Fake) GetTx(ctx context.Context, txid model.Hash) (*model.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if tx, ok := f.mempool[txid]; ok {
		return tx, nil
	}

	for _, b := range f.blocks {
		for _, tx := range b.Txs {
			if tx.Txid == txid {
				return tx, nil
			}
		}
	}

	return nil, fmt.Errorf("nodeclient: fake: unknown tx %s", txid)
}

func (f *Fake) GetMempoolTxs(ctx context.Context) ([]model.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]model.Hash, 0, len(f.mempool))
	for id := range f.mempool {
		out = append(out, id)
	}

	return out, nil
}

func (f *Fake) Close() {}

var _ Client = (*Fake)(nil)
