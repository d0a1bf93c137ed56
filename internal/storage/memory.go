package storage

import (
	"context"
	"sync"

	"github.com/thehobbit85/chromanode/internal/model"
)

// Memory is an in-process Store used by component tests and by the
// integration harness (internal/testharness) in place of Postgres. It
// implements the same commit-or-rollback, commit-outbox semantics as
// PostgresStore by copying its working set from a snapshot on open and
// only publishing it back on a nil body return.
type Memory struct {
	mu     sync.Mutex
	blocks map[int32]BlockRow
	txs    map[model.Hash]TxRow
	hist   map[histKey]HistoryRow
	color  map[model.Hash]ColorScannedRow
}

type histKey struct {
	txid model.Hash
	idx  uint32
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		blocks: make(map[int32]BlockRow),
		txs:    make(map[model.Hash]TxRow),
		hist:   make(map[histKey]HistoryRow),
		color:  make(map[model.Hash]ColorScannedRow),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// WithTx takes the store's single lock for the duration of body,
// modifying a deep copy of the store's maps so a non-nil return discards
// every change body made — the same all-or-nothing guarantee
// PostgresStore gets from a real SQL transaction.
func (m *Memory) WithTx(ctx context.Context, body func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		blocks: cloneBlocks(m.blocks),
		txs:    cloneTxs(m.txs),
		hist:   cloneHist(m.hist),
		color:  cloneColor(m.color),
	}

	if err := body(tx); err != nil {
		return err
	}

	m.blocks, m.txs, m.hist, m.color = tx.blocks, tx.txs, tx.hist, tx.color

	for _, fn := range tx.onCommit {
		fn()
	}

	return nil
}

func cloneBlocks(in map[int32]BlockRow) map[int32]BlockRow {
	out := make(map[int32]BlockRow, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func cloneTxs(in map[model.Hash]TxRow) map[model.Hash]TxRow {
	out := make(map[model.Hash]TxRow, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func cloneHist(in map[histKey]HistoryRow) map[histKey]HistoryRow {
	out := make(map[histKey]HistoryRow, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func cloneColor(in map[model.Hash]ColorScannedRow) map[model.Hash]ColorScannedRow {
	out := make(map[model.Hash]ColorScannedRow, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

type memTx struct {
	blocks   map[int32]BlockRow
	txs      map[model.Hash]TxRow
	hist     map[histKey]HistoryRow
	color    map[model.Hash]ColorScannedRow
	onCommit []OnCommitFunc
}

func (t *memTx) OnCommit(fn OnCommitFunc) { t.onCommit = append(t.onCommit, fn) }

func (t *memTx) Latest(ctx context.Context) (model.Tip, error) {
	best := model.EmptyTip

	for h, row := range t.blocks {
		if h > best.Height {
			best = model.Tip{Hash: row.Hash, Height: h}
		}
	}

	return best, nil
}

func (t *memTx) BlockAt(ctx context.Context, h int32) (BlockRow, error) {
	row, ok := t.blocks[h]
	if !ok {
		return BlockRow{}, ErrNotFound
	}

	return row, nil
}

func (t *memTx) InsertBlock(ctx context.Context, row BlockRow) error {
	latest, _ := t.Latest(ctx)
	if row.Height != latest.Height+1 {
		return ErrHeightConflict
	}

	t.blocks[row.Height] = row

	return nil
}

func (t *memTx) DeleteBlocksAbove(ctx context.Context, h int32) ([]model.Hash, error) {
	var removed []int32

	for height := range t.blocks {
		if height > h {
			removed = append(removed, height)
		}
	}

	sortInt32s(removed)

	hashes := make([]model.Hash, len(removed))
	for i, height := range removed {
		hashes[i] = t.blocks[height].Hash
		delete(t.blocks, height)
	}

	return hashes, nil
}

func (t *memTx) TxByID(ctx context.Context, txid model.Hash) (TxRow, error) {
	row, ok := t.txs[txid]
	if !ok {
		return TxRow{}, ErrNotFound
	}

	return row, nil
}

func (t *memTx) TxsExist(ctx context.Context, txids []model.Hash) (map[model.Hash]bool, error) {
	out := make(map[model.Hash]bool, len(txids))
	for _, id := range txids {
		_, out[id] = t.txs[id]
	}

	return out, nil
}

func (t *memTx) InsertUnconfirmedTx(ctx context.Context, txid model.Hash, raw []byte) error {
	t.txs[txid] = TxRow{Txid: txid, Raw: raw, Height: nil}

	return nil
}

func (t *memTx) InsertConfirmedTx(ctx context.Context, txid model.Hash, raw []byte, height int32) error {
	h := height
	t.txs[txid] = TxRow{Txid: txid, Raw: raw, Height: &h}

	return nil
}

func (t *memTx) ConfirmTx(ctx context.Context, txid model.Hash, height int32) error {
	row, ok := t.txs[txid]
	if !ok {
		return ErrNotFound
	}

	h := height
	row.Height = &h
	t.txs[txid] = row

	return nil
}

func (t *memTx) DeleteUnconfirmedTxs(ctx context.Context, txids []model.Hash) error {
	for _, id := range txids {
		if row, ok := t.txs[id]; ok && row.Height == nil {
			delete(t.txs, id)
		}
	}

	return nil
}

func (t *memTx) UnconfirmedTxids(ctx context.Context) ([]model.Hash, error) {
	var out []model.Hash

	for id, row := range t.txs {
		if row.Height == nil {
			out = append(out, id)
		}
	}

	return out, nil
}

func (t *memTx) SetTxsHeightNull(ctx context.Context, h int32) error {
	for id, row := range t.txs {
		if row.Height != nil && *row.Height > h {
			row.Height = nil
			t.txs[id] = row
		}
	}

	return nil
}

func (t *memTx) InsertHistory(ctx context.Context, row HistoryRow) error {
	t.hist[histKey{row.Txid, row.OutputIndex}] = row

	return nil
}

func (t *memTx) SetProducerHeight(ctx context.Context, txid model.Hash, height int32) error {
	for k, row := range t.hist {
		if k.txid == txid {
			row.Height = &height
			t.hist[k] = row
		}
	}

	return nil
}

func (t *memTx) SetInput(ctx context.Context, prevOut model.OutPoint, spender model.Hash, inputHeight *int32) (string, bool, error) {
	k := histKey{prevOut.Hash, prevOut.Index}

	row, ok := t.hist[k]
	if !ok {
		return "", false, nil
	}

	row.InputTxid = &spender
	row.InputHeight = inputHeight
	t.hist[k] = row

	return row.Address, true, nil
}

func (t *memTx) ClearInputsBySpender(ctx context.Context, spender model.Hash) error {
	for k, row := range t.hist {
		if row.InputTxid != nil && *row.InputTxid == spender {
			row.InputTxid = nil
			row.InputHeight = nil
			t.hist[k] = row
		}
	}

	return nil
}

func (t *memTx) DeleteHistoryByProducer(ctx context.Context, txid model.Hash) error {
	for k := range t.hist {
		if k.txid == txid {
			delete(t.hist, k)
		}
	}

	return nil
}

func (t *memTx) SetHistoryHeightNullAbove(ctx context.Context, h int32) error {
	for k, row := range t.hist {
		if row.Height != nil && *row.Height > h {
			row.Height = nil
			t.hist[k] = row
		}
	}

	return nil
}

func (t *memTx) SetHistoryInputHeightNullAbove(ctx context.Context, h int32) error {
	for k, row := range t.hist {
		if row.InputHeight != nil && *row.InputHeight > h {
			row.InputHeight = nil
			t.hist[k] = row
		}
	}

	return nil
}

func (t *memTx) ColorScanned(ctx context.Context, txid model.Hash) (ColorScannedRow, bool, error) {
	row, ok := t.color[txid]

	return row, ok, nil
}

func (t *memTx) UpsertColorScanned(ctx context.Context, row ColorScannedRow) error {
	t.color[row.Txid] = row

	return nil
}

func (t *memTx) DeleteColorScanned(ctx context.Context, txid model.Hash) error {
	delete(t.color, txid)

	return nil
}

func (t *memTx) ColorScannedLatest(ctx context.Context) (ColorScannedRow, bool, error) {
	best := ColorScannedRow{}
	found := false

	for _, row := range t.color {
		if row.Height == nil {
			continue
		}

		if !found || *row.Height > *best.Height {
			best = row
			found = true
		}
	}

	return best, found, nil
}

func (t *memTx) ColorScannedBlockAt(ctx context.Context, h int32) (model.Hash, bool, error) {
	for _, row := range t.color {
		if row.Height != nil && *row.Height == h && row.Blockhash != nil {
			return *row.Blockhash, true, nil
		}
	}

	return model.Hash{}, false, nil
}

func (t *memTx) SetColorScannedHeightNullAbove(ctx context.Context, h int32) error {
	for id, row := range t.color {
		if row.Height != nil && *row.Height > h {
			row.Height = nil
			row.Blockhash = nil
			t.color[id] = row
		}
	}

	return nil
}

func (t *memTx) UnconfirmedColorScanned(ctx context.Context) ([]model.Hash, error) {
	var out []model.Hash

	for id, row := range t.color {
		if row.Height == nil {
			out = append(out, id)
		}
	}

	return out, nil
}

func sortInt32s(s []int32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
