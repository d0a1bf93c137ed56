// Package testharness bootstraps a real Postgres + RabbitMQ + regtest
// node stack for integration tests, gated behind a CLI flag exactly as
// harness/engine/network.go gates dusk-blockchain's local network
// bootstrap: disabled by default so `go test ./...` never requires
// external services, opt-in via `-args -enable` for the suites that do.
package testharness

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/rpcclient"
	log "github.com/sirupsen/logrus"

	"github.com/thehobbit85/chromanode/internal/bus"
	"github.com/thehobbit85/chromanode/internal/nodeclient"
	"github.com/thehobbit85/chromanode/internal/storage"
)

// EnableHarness is a test CLI param to enable harness bootstrapping.
// To enable it: go test -v ./... -args -enable
var EnableHarness = flag.Bool("enable", false, "Enable integration test harness bootstrapping")

// ErrDisabledHarness is returned by New when the harness flag is not set.
var ErrDisabledHarness = errors.New("testharness: disabled, run with -args -enable")

// Harness wires a live Store, Bus, and node Client against externally
// provisioned services, configured entirely through environment
// variables — there is nothing here to spawn a regtest node or a
// Postgres instance locally, those are expected to already be running
// (a docker-compose stack, typically), matching the teacher's own
// assumption that DUSK_BLOCKCHAIN/DUSK_UTILS/DUSK_SEEDER point at
// pre-built executables rather than building them itself.
type Harness struct {
	Store storage.Store
	Bus   bus.Bus
	Node  nodeclient.Client
}

// New connects a Harness, or returns ErrDisabledHarness if -enable was
// not passed.
func New(ctx context.Context) (*Harness, error) {
	if !*EnableHarness {
		log.Println("Integration test harness is disabled.")
		log.Println("To enable it: go test -v ./... -args -enable")

		return nil, ErrDisabledHarness
	}

	dsn, err := getEnv("CHROMANODE_TEST_POSTGRES_DSN")
	if err != nil {
		return nil, err
	}

	amqpURL, err := getEnv("CHROMANODE_TEST_AMQP_URL")
	if err != nil {
		return nil, err
	}

	nodeHost, err := getEnv("CHROMANODE_TEST_NODE_RPC")
	if err != nil {
		return nil, err
	}

	nodeUser := os.Getenv("CHROMANODE_TEST_NODE_USER")
	nodePass := os.Getenv("CHROMANODE_TEST_NODE_PASS")

	store, err := storage.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("testharness: open store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()

		return nil, fmt.Errorf("testharness: ping store: %w", err)
	}

	messageBus, err := bus.Dial(amqpURL, "chromanode")
	if err != nil {
		store.Close()

		return nil, fmt.Errorf("testharness: dial bus: %w", err)
	}

	node, err := nodeclient.Dial(&rpcclient.ConnConfig{
		Host:         nodeHost,
		User:         nodeUser,
		Pass:         nodePass,
		HTTPPostMode: true,
		DisableTLS:   true,
	})
	if err != nil {
		messageBus.Close()
		store.Close()

		return nil, fmt.Errorf("testharness: dial node: %w", err)
	}

	return &Harness{Store: store, Bus: messageBus, Node: node}, nil
}

// Teardown releases every connection the Harness opened.
func (h *Harness) Teardown() {
	h.Node.Close()

	if err := h.Bus.Close(); err != nil {
		log.WithError(err).Warn("testharness: close bus")
	}

	if err := h.Store.Close(); err != nil {
		log.WithError(err).Warn("testharness: close store")
	}
}

func getEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("testharness: env var %s is not set", name)
	}

	return v, nil
}
