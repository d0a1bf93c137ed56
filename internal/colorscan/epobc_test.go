package colorscan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thehobbit85/chromanode/internal/model"
)

func TestEPOBCMintsDefinitionOnGenesisOutput(t *testing.T) {
	e := NewEPOBC()
	ctx := context.Background()

	genesis := &model.Tx{
		Txid:    hashTag(0x01),
		Outputs: []model.TxOut{{Value: 1000, Script: []byte{epobcGenesisMarker}}},
	}

	require.NoError(t, e.FullScanTx(ctx, genesis, nil))

	id, ok := e.FindDefinitionID(genesis.Txid)
	require.True(t, ok)
	assert.Equal(t, "epobc:"+genesis.Txid.String()+":0:0", id)
}

func TestEPOBCPropagatesColorToSpendingTx(t *testing.T) {
	e := NewEPOBC()
	ctx := context.Background()

	parent := hashTag(0x02)
	e.values[parent] = []uint32{0}

	child := &model.Tx{
		Txid:    hashTag(0x03),
		Inputs:  []model.TxIn{{PrevOut: model.OutPoint{Hash: parent, Index: 0}}},
		Outputs: []model.TxOut{{Value: 500}},
	}

	require.NoError(t, e.FullScanTx(ctx, child, nil))

	idxs, ok := e.values[child.Txid]
	require.True(t, ok)
	assert.Equal(t, []uint32{0}, idxs)
}

func TestEPOBCDropDefinitionForgetsGenesisAndValues(t *testing.T) {
	e := NewEPOBC()
	ctx := context.Background()

	genesis := &model.Tx{
		Txid:    hashTag(0x04),
		Outputs: []model.TxOut{{Value: 1000, Script: []byte{epobcGenesisMarker}}},
	}

	require.NoError(t, e.FullScanTx(ctx, genesis, nil))

	id, ok := e.FindDefinitionID(genesis.Txid)
	require.True(t, ok)

	e.values[genesis.Txid] = []uint32{0}

	require.NoError(t, e.DropDefinition(id))

	_, ok = e.FindDefinitionID(genesis.Txid)
	assert.False(t, ok)

	_, ok = e.values[genesis.Txid]
	assert.False(t, ok)
}

func TestEPOBCRemoveColorValues(t *testing.T) {
	e := NewEPOBC()
	ctx := context.Background()

	txid := hashTag(0x05)
	e.values[txid] = []uint32{0, 1}

	require.NoError(t, e.RemoveColorValues(ctx, txid))

	_, ok := e.values[txid]
	assert.False(t, ok)
}
