package testharness

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/thehobbit85/chromanode/internal/blockimport"
	"github.com/thehobbit85/chromanode/internal/chainsync"
	"github.com/thehobbit85/chromanode/internal/colorscan"
	"github.com/thehobbit85/chromanode/internal/events"
	"github.com/thehobbit85/chromanode/internal/orphan"
	"github.com/thehobbit85/chromanode/internal/smartlock"
	"github.com/thehobbit85/chromanode/internal/tximport"
)

// TestChainSyncAgainstLiveRegtest drives one TriggerBlockImport cycle
// and one UpdateBlocks pass against a real regtest node and Postgres
// instance, which this repo's component suites only exercise against
// storage.Memory. It scripts no fork: the reorg walk-back runs only if
// the node's chain no longer extends the stored tip. Skipped unless the
// harness is enabled (go test -v
// ./... -args -enable) with CHROMANODE_TEST_* pointed at a running
// docker-compose stack.
func TestChainSyncAgainstLiveRegtest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h, err := New(ctx)
	if err != nil {
		t.Skip(err)
	}
	defer h.Teardown()

	publisher := events.New(h.Bus)
	lock := smartlock.New()
	orphans := orphan.New()

	txImp := tximport.New(h.Store, lock, orphans, publisher, &chaincfg.RegressionNetParams, nil)
	blockImp := blockimport.New(h.Store, lock, publisher, &chaincfg.RegressionNetParams)

	sync := chainsync.New(chainsync.Config{
		Node:          h.Node,
		Store:         h.Store,
		Lock:          lock,
		Orphans:       orphans,
		Publisher:     publisher,
		BlockImporter: blockImp,
		TxImporter:    txImp,
		OuterBackoff:  time.Second,
		InnerBackoff:  time.Second,
		ImportRate:    rate.Limit(10),
	})

	require.NoError(t, sync.TriggerBlockImport(ctx))

	scanner := colorscan.New(h.Store, colorscan.NewEPOBC())
	require.NoError(t, scanner.UpdateBlocks(ctx))
}
