// Package model holds the storage-agnostic domain types shared by every
// indexer component: blocks, transactions, and the per-address history
// ledger described in spec.md §3.
package model

import "encoding/hex"

// HashSize is the width of every block/transaction identifier.
const HashSize = 32

// Hash is a fixed-width chain identifier (block hash or txid), stored and
// compared byte-for-byte, displayed as big-endian hex like the rest of the
// Bitcoin ecosystem.
type Hash [HashSize]byte

// ZeroHash is the empty-chain / coinbase-parent sentinel.
var ZeroHash Hash

// String renders the hash as reversed (RPC byte-order) hex, matching how
// btcd/bitcoind display block and transaction hashes.
func (h Hash) String() string {
	var reversed Hash
	for i, b := range h {
		reversed[HashSize-1-i] = b
	}

	return hex.EncodeToString(reversed[:])
}

// IsZero reports whether h is the all-zero coinbase/empty-chain sentinel.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// HeaderSize is the fixed width of a serialized block header.
const HeaderSize = 80

// Header is a serialized 80-byte block header, kept opaque: this indexer
// does not reinterpret consensus fields, it only needs PrevHash for fork
// detection and the raw bytes for storage (spec.md §1 Non-goals).
type Header [HeaderSize]byte

// PrevHash extracts the header's prev-block field (bytes 4:36 of a
// standard Bitcoin block header).
func (h Header) PrevHash() Hash {
	var prev Hash
	copy(prev[:], h[4:4+HashSize])

	return prev
}

// CoinbasePrevIndex is the sentinel previous-output index marking a
// coinbase input (spec.md GLOSSARY).
const CoinbasePrevIndex uint32 = 0xFFFFFFFF

// OutPoint identifies a single transaction output being spent.
type OutPoint struct {
	Hash  Hash
	Index uint32
}

// IsCoinbase reports whether the outpoint is the synthetic coinbase input.
func (o OutPoint) IsCoinbase() bool {
	return o.Hash.IsZero() && o.Index == CoinbasePrevIndex
}

// TxIn is one transaction input.
type TxIn struct {
	PrevOut OutPoint
}

// TxOut is one transaction output.
type TxOut struct {
	Value  int64
	Script []byte
}

// Tx is a decoded Bitcoin transaction together with its id, ready for
// TxImporter/BlockImporter to index.
type Tx struct {
	Txid   Hash
	Raw    []byte
	Inputs []TxIn
	Outputs []TxOut
}

// ParentIDs returns the set of non-coinbase input txids — the "P" set of
// spec.md §4.4.
func (t *Tx) ParentIDs() []Hash {
	parents := make([]Hash, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.PrevOut.IsCoinbase() {
			continue
		}

		parents = append(parents, in.PrevOut.Hash)
	}

	return parents
}

// Block is a decoded confirmed block: header plus full transactions, as
// returned by the node RPC client's get_block.
type Block struct {
	Hash   Hash
	Header Header
	Txs    []*Tx
}

// Txids returns the ordered list of transaction ids contained in the
// block, used for the block row's txids column (spec.md §3).
func (b *Block) Txids() []Hash {
	ids := make([]Hash, len(b.Txs))
	for i, tx := range b.Txs {
		ids[i] = tx.Txid
	}

	return ids
}

// Tip identifies the stored or node-reported chain tip. Height -1 means
// an empty chain (spec.md §3).
type Tip struct {
	Hash   Hash
	Height int32
}

// EmptyChainHeight is the height recorded for an empty chain.
const EmptyChainHeight int32 = -1

// EmptyTip is the canonical representation of an empty chain cursor.
var EmptyTip = Tip{Hash: ZeroHash, Height: EmptyChainHeight}

// IsEmpty reports whether t represents the empty-chain sentinel.
func (t Tip) IsEmpty() bool {
	return t.Height == EmptyChainHeight
}
