package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Postgres driver, registered under "postgres" via database/sql by
	// its init(); pq.ByteaArray is also used for the ANY($1) queries.
	"github.com/lib/pq"
	"github.com/russross/meddler"
	"github.com/sirupsen/logrus"

	"github.com/thehobbit85/chromanode/internal/model"
)

var log = logrus.WithFields(logrus.Fields{"process": "storage"})

func init() {
	meddler.Default = meddler.PostgreSQL
}

// blockRecord is the meddler-mapped row for the blocks table.
type blockRecord struct {
	Height int32  `meddler:"height,pk"`
	Hash   []byte `meddler:"hash"`
	Header []byte `meddler:"header"`
	Txids  []byte `meddler:"txids"`
}

// txRecord is the meddler-mapped row for the transactions table.
type txRecord struct {
	Txid   []byte `meddler:"txid,pk"`
	Raw    []byte `meddler:"raw_tx"`
	Height *int32 `meddler:"height"`
}

// colorScannedRecord is the meddler-mapped row for the color_scanned table.
type colorScannedRecord struct {
	Txid      []byte `meddler:"txid,pk"`
	Blockhash []byte `meddler:"blockhash"`
	Height    *int32 `meddler:"height"`
}

// PostgresStore is the default Store adapter, backed by database/sql and
// the lib/pq driver, following the reorg_detector.go pack example's
// *sql.DB + meddler shape.
type PostgresStore struct {
	db *sql.DB
}

// Open dials Postgres at dsn and returns a ready PostgresStore. The
// caller is responsible for calling Close.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Ping verifies connectivity and that the expected tables exist.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}

	const probe = `SELECT 1 FROM blocks LIMIT 1`
	if _, err := s.db.ExecContext(ctx, probe); err != nil {
		return fmt.Errorf("storage: schema check failed, is the blocks table migrated? %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// WithTx runs body in a new serializable transaction (spec.md §5 calls
// for "a single serializable transaction" per block/mempool operation),
// committing on a nil return, rolling back otherwise. On successful
// commit it flushes any OnCommit callbacks registered during body.
func (s *PostgresStore) WithTx(ctx context.Context, body func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}

	tx := &pgTx{tx: sqlTx}

	if err := body(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.WithError(rbErr).Error("rollback failed after body error")
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}

	for _, fn := range tx.onCommit {
		fn()
	}

	return nil
}

// pgTx implements Tx over a single *sql.Tx.
type pgTx struct {
	tx       *sql.Tx
	onCommit []OnCommitFunc
}

func (t *pgTx) OnCommit(fn OnCommitFunc) {
	t.onCommit = append(t.onCommit, fn)
}

func (t *pgTx) Latest(ctx context.Context) (model.Tip, error) {
	var rec blockRecord

	err := meddler.QueryRow(t.tx, &rec, `SELECT * FROM blocks ORDER BY height DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EmptyTip, nil
	}

	if err != nil {
		return model.Tip{}, fmt.Errorf("storage: latest: %w", err)
	}

	return model.Tip{Hash: hashFromBytes(rec.Hash), Height: rec.Height}, nil
}

func (t *pgTx) BlockAt(ctx context.Context, h int32) (BlockRow, error) {
	var rec blockRecord

	err := meddler.QueryRow(t.tx, &rec, `SELECT * FROM blocks WHERE height = $1`, h)
	if errors.Is(err, sql.ErrNoRows) {
		return BlockRow{}, ErrNotFound
	}

	if err != nil {
		return BlockRow{}, fmt.Errorf("storage: block_at(%d): %w", h, err)
	}

	return blockRowFromRecord(rec), nil
}

func (t *pgTx) InsertBlock(ctx context.Context, row BlockRow) error {
	latest, err := t.Latest(ctx)
	if err != nil {
		return err
	}

	if row.Height != latest.Height+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrHeightConflict, row.Height, latest.Height+1)
	}

	rec := &blockRecord{
		Height: row.Height,
		Hash:   row.Hash[:],
		Header: row.Header[:],
		Txids:  concatHashes(row.Txids),
	}

	if err := meddler.Insert(t.tx, "blocks", rec); err != nil {
		return fmt.Errorf("storage: insert_block(%d): %w", row.Height, err)
	}

	return nil
}

func (t *pgTx) DeleteBlocksAbove(ctx context.Context, h int32) ([]model.Hash, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT hash FROM blocks WHERE height > $1 ORDER BY height ASC`, h)
	if err != nil {
		return nil, fmt.Errorf("storage: select blocks above %d: %w", h, err)
	}
	defer rows.Close()

	var hashes []model.Hash

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan block hash: %w", err)
		}

		hashes = append(hashes, hashFromBytes(raw))
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM blocks WHERE height > $1`, h); err != nil {
		return nil, fmt.Errorf("storage: delete blocks above %d: %w", h, err)
	}

	return hashes, nil
}

func (t *pgTx) TxByID(ctx context.Context, txid model.Hash) (TxRow, error) {
	var rec txRecord

	err := meddler.QueryRow(t.tx, &rec, `SELECT * FROM transactions WHERE txid = $1`, txid[:])
	if errors.Is(err, sql.ErrNoRows) {
		return TxRow{}, ErrNotFound
	}

	if err != nil {
		return TxRow{}, fmt.Errorf("storage: tx_by_id: %w", err)
	}

	return TxRow{Txid: txid, Raw: rec.Raw, Height: rec.Height}, nil
}

func (t *pgTx) TxsExist(ctx context.Context, txids []model.Hash) (map[model.Hash]bool, error) {
	exist := make(map[model.Hash]bool, len(txids))
	if len(txids) == 0 {
		return exist, nil
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT txid FROM transactions WHERE txid = ANY($1)`, hashesToBytesArray(txids))
	if err != nil {
		return nil, fmt.Errorf("storage: txs_exist: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}

		exist[hashFromBytes(raw)] = true
	}

	return exist, rows.Err()
}

func (t *pgTx) InsertUnconfirmedTx(ctx context.Context, txid model.Hash, raw []byte) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (txid, raw_tx, height) VALUES ($1, $2, NULL)`, txid[:], raw)
	if err != nil {
		return fmt.Errorf("storage: insert_unconfirmed_tx: %w", err)
	}

	return nil
}

func (t *pgTx) InsertConfirmedTx(ctx context.Context, txid model.Hash, raw []byte, height int32) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transactions (txid, raw_tx, height) VALUES ($1, $2, $3)`, txid[:], raw, height)
	if err != nil {
		return fmt.Errorf("storage: insert_confirmed_tx: %w", err)
	}

	return nil
}

func (t *pgTx) ConfirmTx(ctx context.Context, txid model.Hash, height int32) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE transactions SET height = $2 WHERE txid = $1`, txid[:], height)
	if err != nil {
		return fmt.Errorf("storage: confirm_tx: %w", err)
	}

	return nil
}

func (t *pgTx) DeleteUnconfirmedTxs(ctx context.Context, txids []model.Hash) error {
	if len(txids) == 0 {
		return nil
	}

	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM transactions WHERE height IS NULL AND txid = ANY($1)`, hashesToBytesArray(txids))
	if err != nil {
		return fmt.Errorf("storage: delete_unconfirmed_txs: %w", err)
	}

	return nil
}

func (t *pgTx) UnconfirmedTxids(ctx context.Context) ([]model.Hash, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT txid FROM transactions WHERE height IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("storage: unconfirmed_txids: %w", err)
	}
	defer rows.Close()

	var out []model.Hash

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}

		out = append(out, hashFromBytes(raw))
	}

	return out, rows.Err()
}

func (t *pgTx) SetTxsHeightNull(ctx context.Context, h int32) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE transactions SET height = NULL WHERE height > $1`, h)
	if err != nil {
		return fmt.Errorf("storage: set_txs_height_null: %w", err)
	}

	return nil
}

func (t *pgTx) InsertHistory(ctx context.Context, row HistoryRow) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO history (address, txid, output_index, value, script, height, input_txid, input_height)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.Address, row.Txid[:], row.OutputIndex, row.Value, row.Script, row.Height,
		optionalHashBytes(row.InputTxid), row.InputHeight)
	if err != nil {
		return fmt.Errorf("storage: insert_history: %w", err)
	}

	return nil
}

func (t *pgTx) SetProducerHeight(ctx context.Context, txid model.Hash, height int32) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE history SET height = $2 WHERE txid = $1`, txid[:], height)
	if err != nil {
		return fmt.Errorf("storage: set_producer_height: %w", err)
	}

	return nil
}

func (t *pgTx) SetInput(ctx context.Context, prevOut model.OutPoint, spender model.Hash, inputHeight *int32) (string, bool, error) {
	row := t.tx.QueryRowContext(ctx,
		`UPDATE history SET input_txid = $3, input_height = $4
		 WHERE txid = $1 AND output_index = $2
		 RETURNING address`,
		prevOut.Hash[:], prevOut.Index, spender[:], inputHeight)

	var address string

	err := row.Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("storage: set_input: %w", err)
	}

	return address, true, nil
}

func (t *pgTx) ClearInputsBySpender(ctx context.Context, spender model.Hash) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE history SET input_txid = NULL, input_height = NULL WHERE input_txid = $1`, spender[:])
	if err != nil {
		return fmt.Errorf("storage: clear_inputs_by_spender: %w", err)
	}

	return nil
}

func (t *pgTx) DeleteHistoryByProducer(ctx context.Context, txid model.Hash) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM history WHERE txid = $1`, txid[:])
	if err != nil {
		return fmt.Errorf("storage: delete_history_by_producer: %w", err)
	}

	return nil
}

func (t *pgTx) SetHistoryHeightNullAbove(ctx context.Context, h int32) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE history SET height = NULL WHERE height > $1`, h)
	if err != nil {
		return fmt.Errorf("storage: set_history_height_null_above: %w", err)
	}

	return nil
}

func (t *pgTx) SetHistoryInputHeightNullAbove(ctx context.Context, h int32) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE history SET input_height = NULL WHERE input_height > $1`, h)
	if err != nil {
		return fmt.Errorf("storage: set_history_input_height_null_above: %w", err)
	}

	return nil
}

func (t *pgTx) ColorScanned(ctx context.Context, txid model.Hash) (ColorScannedRow, bool, error) {
	var rec colorScannedRecord

	err := meddler.QueryRow(t.tx, &rec, `SELECT * FROM color_scanned WHERE txid = $1`, txid[:])
	if errors.Is(err, sql.ErrNoRows) {
		return ColorScannedRow{}, false, nil
	}

	if err != nil {
		return ColorScannedRow{}, false, fmt.Errorf("storage: color_scanned: %w", err)
	}

	return colorScannedRowFromRecord(rec), true, nil
}

func (t *pgTx) UpsertColorScanned(ctx context.Context, row ColorScannedRow) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO color_scanned (txid, blockhash, height) VALUES ($1, $2, $3)
		 ON CONFLICT (txid) DO UPDATE SET blockhash = EXCLUDED.blockhash, height = EXCLUDED.height`,
		row.Txid[:], optionalHashBytes(row.Blockhash), row.Height)
	if err != nil {
		return fmt.Errorf("storage: upsert_color_scanned: %w", err)
	}

	return nil
}

func (t *pgTx) DeleteColorScanned(ctx context.Context, txid model.Hash) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM color_scanned WHERE txid = $1`, txid[:])
	if err != nil {
		return fmt.Errorf("storage: delete_color_scanned: %w", err)
	}

	return nil
}

func (t *pgTx) ColorScannedLatest(ctx context.Context) (ColorScannedRow, bool, error) {
	var rec colorScannedRecord

	err := meddler.QueryRow(t.tx, &rec,
		`SELECT * FROM color_scanned WHERE height IS NOT NULL ORDER BY height DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return ColorScannedRow{}, false, nil
	}

	if err != nil {
		return ColorScannedRow{}, false, fmt.Errorf("storage: color_scanned_latest: %w", err)
	}

	return colorScannedRowFromRecord(rec), true, nil
}

func (t *pgTx) ColorScannedBlockAt(ctx context.Context, h int32) (model.Hash, bool, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT blockhash FROM color_scanned WHERE height = $1 AND blockhash IS NOT NULL LIMIT 1`, h)

	var raw []byte

	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Hash{}, false, nil
	}

	if err != nil {
		return model.Hash{}, false, fmt.Errorf("storage: color_scanned_block_at(%d): %w", h, err)
	}

	return hashFromBytes(raw), true, nil
}

func (t *pgTx) SetColorScannedHeightNullAbove(ctx context.Context, h int32) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE color_scanned SET blockhash = NULL, height = NULL WHERE height > $1`, h)
	if err != nil {
		return fmt.Errorf("storage: set_color_scanned_height_null_above: %w", err)
	}

	return nil
}

func (t *pgTx) UnconfirmedColorScanned(ctx context.Context) ([]model.Hash, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT txid FROM color_scanned WHERE height IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("storage: unconfirmed_color_scanned: %w", err)
	}
	defer rows.Close()

	var out []model.Hash

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}

		out = append(out, hashFromBytes(raw))
	}

	return out, rows.Err()
}

func hashFromBytes(b []byte) model.Hash {
	var h model.Hash
	copy(h[:], b)

	return h
}

func optionalHashBytes(h *model.Hash) []byte {
	if h == nil {
		return nil
	}

	return h[:]
}

func concatHashes(hashes []model.Hash) []byte {
	out := make([]byte, 0, len(hashes)*model.HashSize)
	for _, h := range hashes {
		out = append(out, h[:]...)
	}

	return out
}

func splitHashes(raw []byte) []model.Hash {
	n := len(raw) / model.HashSize

	out := make([]model.Hash, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*model.HashSize:(i+1)*model.HashSize])
	}

	return out
}

func hashesToBytesArray(hashes []model.Hash) pq.ByteaArray {
	arr := make(pq.ByteaArray, len(hashes))
	for i, h := range hashes {
		h := h
		arr[i] = h[:]
	}

	return arr
}

func blockRowFromRecord(rec blockRecord) BlockRow {
	return BlockRow{
		Height: rec.Height,
		Hash:   hashFromBytes(rec.Hash),
		Header: headerFromBytes(rec.Header),
		Txids:  splitHashes(rec.Txids),
	}
}

func headerFromBytes(b []byte) model.Header {
	var h model.Header
	copy(h[:], b)

	return h
}

func colorScannedRowFromRecord(rec colorScannedRecord) ColorScannedRow {
	row := ColorScannedRow{Txid: hashFromBytes(rec.Txid), Height: rec.Height}
	if rec.Blockhash != nil {
		h := hashFromBytes(rec.Blockhash)
		row.Blockhash = &h
	}

	return row
}
