package translate

import (
	"fmt"
	"strings"
)

// bcli chain names, as reported by bitcoind's getblockchaininfo.
const (
	ChainMain     = "main"
	ChainTest     = "test"
	ChainTestnet4 = "testnet4"
	ChainSignet   = "signet"
	ChainRegtest  = "regtest"
)

// backendChains maps every chain name a backend may report to the bcli name.
// Floresta reports the rust-bitcoin network names.
var backendChains = map[string]string{
	"bitcoin":  ChainMain,
	"main":     ChainMain,
	"mainnet":  ChainMain,
	"testnet":  ChainTest,
	"testnet3": ChainTest,
	"test":     ChainTest,
	"testnet4": ChainTestnet4,
	"signet":   ChainSignet,
	"regtest":  ChainRegtest,
}

// lightningdNetworks maps lightningd's --network values to bcli chain names.
var lightningdNetworks = map[string]string{
	"bitcoin":  ChainMain,
	"testnet":  ChainTest,
	"testnet4": ChainTestnet4,
	"signet":   ChainSignet,
	"regtest":  ChainRegtest,
}

// ChainName converts a backend chain name to the bcli chain name.
func ChainName(backendChain string) (string, error) {
	name, ok := backendChains[strings.ToLower(strings.TrimSpace(backendChain))]
	if !ok {
		return "", &Error{Field: "chain", Value: backendChain, Err: ErrUnknownChain}
	}
	return name, nil
}

// NetworkChain converts a lightningd network name to the bcli chain name.
func NetworkChain(network string) (string, error) {
	name, ok := lightningdNetworks[strings.ToLower(network)]
	if !ok {
		return "", fmt.Errorf("%w: lightningd network %q", ErrUnknownChain, network)
	}
	return name, nil
}

// CheckNetwork verifies that lightningd's network matches the backend chain.
func CheckNetwork(network, backendChain string) error {
	want, err := NetworkChain(network)
	if err != nil {
		return err
	}
	got, err := ChainName(backendChain)
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("%w: lightningd runs on %s but the backend is on %s", ErrNetworkMismatch, network, backendChain)
	}
	return nil
}
