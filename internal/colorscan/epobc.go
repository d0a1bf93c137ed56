package colorscan

import (
	"context"
	"fmt"
	"sync"

	"github.com/thehobbit85/chromanode/internal/model"
)

// epobcGenesisMarker is the first byte epobc uses to tag a genesis
// output's script (spec.md §4.9's capability set, id_pattern_for). Real
// epobc packs a full padding-code/tag byte scheme into the script; this
// carries just enough of that shape to exercise the Definition plug-in
// lifecycle end to end (see the colored-coin plug-in registry entry in
// SPEC_FULL.md's DOMAIN STACK section on treating color-definition
// classes as a plug-in registry rather than importing a full
// colored-coin library).
const epobcGenesisMarker = 0xEC

// EPOBC is the one concrete Definition carried over from the system
// this was distilled from (spec.md §4.9, §9 Open Question). It tracks,
// per genesis txid, the definition id minted for it, and per colored
// txid the set of output indices it believes carry color value.
type EPOBC struct {
	mu          sync.Mutex
	definitions map[model.Hash]string         // genesis txid -> definition id
	values      map[model.Hash][]uint32       // colored txid -> colored output indices
	byID        map[string]model.Hash         // definition id -> genesis txid, for DropDefinition
}

// NewEPOBC returns an empty EPOBC definition class.
func NewEPOBC() *EPOBC {
	return &EPOBC{
		definitions: make(map[model.Hash]string),
		values:      make(map[model.Hash][]uint32),
		byID:        make(map[string]model.Hash),
	}
}

func (e *EPOBC) Class() string { return "epobc" }

// FullScanTx implements full_scan_tx for the epobc class: a transaction
// is a genesis if any output's script is marked with
// epobcGenesisMarker, in which case it mints a new definition id of the
// form "epobc:{txid}:<number>:0" (spec.md §4.9) keyed by the marked
// output's index; otherwise, if any input spends an output already
// known to carry epobc color value, the color propagates to every
// output of tx (a simplified transfer rule standing in for epobc's
// real padding-code arithmetic).
func (e *EPOBC) FullScanTx(ctx context.Context, tx *model.Tx, getTx func(context.Context, model.Hash) (*model.Tx, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for idx, out := range tx.Outputs {
		if len(out.Script) > 0 && out.Script[0] == epobcGenesisMarker {
			id := fmt.Sprintf("epobc:%s:%d:0", tx.Txid, idx)
			e.definitions[tx.Txid] = id
			e.byID[id] = tx.Txid

			return nil
		}
	}

	carriesColor := false

	for _, in := range tx.Inputs {
		if idxs, ok := e.values[in.PrevOut.Hash]; ok && containsIndex(idxs, in.PrevOut.Index) {
			carriesColor = true

			break
		}
	}

	if !carriesColor {
		return nil
	}

	all := make([]uint32, len(tx.Outputs))
	for i := range tx.Outputs {
		all[i] = uint32(i)
	}

	e.values[tx.Txid] = all

	return nil
}

func containsIndex(idxs []uint32, want uint32) bool {
	for _, i := range idxs {
		if i == want {
			return true
		}
	}

	return false
}

// RemoveColorValues implements remove_color_values: forget whatever
// color state FullScanTx attached to txid.
func (e *EPOBC) RemoveColorValues(ctx context.Context, txid model.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.values, txid)

	return nil
}

// FindDefinitionID implements id_pattern_for's lookup half: was txid
// itself a genesis transaction for a still-registered definition.
func (e *EPOBC) FindDefinitionID(txid model.Hash) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.definitions[txid]

	return id, ok
}

// DropDefinition implements the genesis removal path: forget a
// previously minted definition id and its color values.
func (e *EPOBC) DropDefinition(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	genesis, ok := e.byID[id]
	if !ok {
		return nil
	}

	delete(e.byID, id)
	delete(e.definitions, genesis)
	delete(e.values, genesis)

	return nil
}
