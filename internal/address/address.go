// Package address implements spec.md §4.5: extracting the set of
// addresses a transaction output pays to, for P2PKH, P2SH, P2PK,
// multisig, and P2WPKH/P2WSH script templates, under a configured
// Bitcoin network.
//
// Grounded on the pack's btcd-derived examples
// (other_examples/41d0bd8c_amazechain-btcd__database-ffldb-transaction.go.go,
// other_examples/91958c33_leanlp-BTC-coinjoin__internal-scanner-block_scanner.go.go,
// other_examples/a75448b4_X9Developers-neutrino-lnd__chainntnfs-lightwalletnotify-lightwallet.go.go),
// which all decode addresses the same way: hand the output script to
// txscript.ExtractPkScriptAddrs for the configured chaincfg.Params.
package address

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithFields(logrus.Fields{"process": "address"})

// Network names accepted by config, matching spec.md §6.
const (
	Mainnet = "mainnet"
	Testnet = "testnet"
	Regtest = "regtest"
	Simnet  = "simnet"
)

// Params returns the chaincfg.Params for a configured network name.
func Params(network string) (*chaincfg.Params, bool) {
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams, true
	case Testnet:
		return &chaincfg.TestNet3Params, true
	case Regtest:
		return &chaincfg.RegressionNetParams, true
	case Simnet:
		return &chaincfg.SimNetParams, true
	default:
		return nil, false
	}
}

// Extract returns the set of addresses script pays to under params, in
// the canonical string encoding (base58/bech32) used to key history
// rows. Scripts with no recognized pay-to-address form (spec.md §4.5,
// §8 boundary 11) return an empty, non-nil slice and a nil error: this
// is an expected outcome, not a failure.
func Extract(script []byte, params *chaincfg.Params) ([]string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params)
	if err != nil {
		// txscript returns an error for scripts it cannot classify at
		// all (e.g. bare OP_RETURN data carriers); that is exactly the
		// "not a recognized pay-to-address form" case spec.md §4.5
		// describes, not a caller-visible error.
		return []string{}, nil
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.EncodeAddress())
	}

	return out, nil
}
