// Command chromanode is the indexer process of spec.md §6: it loads
// configuration, opens the storage/bus/node collaborators, wires every
// component, and runs ChainSync and the colored-coin rescanner until
// told to stop.
//
// Grounded on demo/node/main.go's shape (load collaborators, wire them,
// run) generalized from its bare for{} spin to a signal-driven run loop,
// and on the pack's urfave/cli/v2 dependency for flag/command handling
// in place of the teacher's flag.Parse-only demo.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/thehobbit85/chromanode/internal/address"
	"github.com/thehobbit85/chromanode/internal/blockimport"
	"github.com/thehobbit85/chromanode/internal/bus"
	"github.com/thehobbit85/chromanode/internal/chainerr"
	"github.com/thehobbit85/chromanode/internal/chainsync"
	"github.com/thehobbit85/chromanode/internal/colorscan"
	"github.com/thehobbit85/chromanode/internal/config"
	"github.com/thehobbit85/chromanode/internal/events"
	"github.com/thehobbit85/chromanode/internal/model"
	"github.com/thehobbit85/chromanode/internal/nodeclient"
	"github.com/thehobbit85/chromanode/internal/orphan"
	"github.com/thehobbit85/chromanode/internal/smartlock"
	"github.com/thehobbit85/chromanode/internal/storage"
	"github.com/thehobbit85/chromanode/internal/tximport"
)

var log = logrus.WithFields(logrus.Fields{"process": "main"})

func main() {
	app := &cli.App{
		Name:  "chromanode",
		Usage: "Bitcoin chain indexer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML/YAML/JSON config file",
				EnvVars: []string{"CHROMANODE_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("chromanode exited")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return chainerr.Wrap(chainerr.KindFatal, err)
	}

	params, ok := address.Params(cfg.Network)
	if !ok {
		return chainerr.Wrap(chainerr.KindFatal, fmt.Errorf("unknown network %q", cfg.Network))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(cfg.Postgres)
	if err != nil {
		return chainerr.Wrap(chainerr.KindFatal, err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return chainerr.Wrap(chainerr.KindFatal, fmt.Errorf("storage schema mismatch or unreachable: %w", err))
	}

	messageBus, err := bus.Dial(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return chainerr.Wrap(chainerr.KindFatal, err)
	}
	defer messageBus.Close()

	node, err := nodeclient.Dial(&rpcclient.ConnConfig{
		Host:         cfg.NodeHost,
		User:         cfg.NodeUser,
		Pass:         cfg.NodePass,
		HTTPPostMode: true,
		DisableTLS:   !cfg.NodeTLS,
	})
	if err != nil {
		return chainerr.Wrap(chainerr.KindFatal, err)
	}
	defer node.Close()

	publisher := events.New(messageBus)
	lock := smartlock.New()
	orphans := orphan.New()

	txImporter := tximport.New(store, lock, orphans, publisher, params, nil)
	blockImporter := blockimport.New(store, lock, publisher, params)

	sync := chainsync.New(chainsync.Config{
		Node:          node,
		Store:         store,
		Lock:          lock,
		Orphans:       orphans,
		Publisher:     publisher,
		BlockImporter: blockImporter,
		TxImporter:    txImporter,
		OuterBackoff:  cfg.OuterLoopRetryBackoff,
		InnerBackoff:  cfg.InnerLoopRetryBackoff,
		ImportRate:    rate.Limit(50),
	})

	scanner := colorscan.New(store, colorscan.NewEPOBC())

	if err := wireColorRescan(messageBus, scanner); err != nil {
		return chainerr.Wrap(chainerr.KindFatal, err)
	}

	log.Info("chromanode started")

	return sync.Run(ctx)
}

// wireColorRescan subscribes ColorRescanner to the indexer's own
// confirmed-chain events (spec.md §4.8: "Downstream addtx/removetx/
// addblock/removeblock events... trigger the colored-coin scan
// cursor"). addtx/removetx drive add_txs/remove_txs for the one txid
// named in the payload; a block event just tells the scanner to resume
// its own update_blocks walk, which re-derives everything else it needs
// from storage.
func wireColorRescan(b bus.Bus, scanner *colorscan.Scanner) error {
	ctx := context.Background()

	if err := b.Listen(events.ChannelAddTx, func(payload []byte) error {
		var ev events.AddTx
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("unmarshal %s: %w", events.ChannelAddTx, err)
		}

		return scanner.AddTxs(ctx, []model.Hash{ev.Txid})
	}); err != nil {
		return fmt.Errorf("listen %s: %w", events.ChannelAddTx, err)
	}

	if err := b.Listen(events.ChannelRemoveTx, func(payload []byte) error {
		var ev events.RemoveTx
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("unmarshal %s: %w", events.ChannelRemoveTx, err)
		}

		return scanner.RemoveTxs(ctx, []model.Hash{ev.Txid})
	}); err != nil {
		return fmt.Errorf("listen %s: %w", events.ChannelRemoveTx, err)
	}

	resume := func(payload []byte) error {
		return scanner.UpdateBlocks(ctx)
	}

	if err := b.Listen(events.ChannelAddBlock, resume); err != nil {
		return fmt.Errorf("listen %s: %w", events.ChannelAddBlock, err)
	}

	if err := b.Listen(events.ChannelRemoveBlock, resume); err != nil {
		return fmt.Errorf("listen %s: %w", events.ChannelRemoveBlock, err)
	}

	return nil
}
