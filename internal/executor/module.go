package executor

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"peg-keeper/internal/rebalance"
)

// AdapterIDLength is the width of the module's adapter identifier (bytes32).
const AdapterIDLength = 32

const stabilityModuleABIJSON = `[
  {"inputs":[{"internalType":"bytes32","name":"adapterId","type":"bytes32"},{"internalType":"bytes","name":"data","type":"bytes"},{"internalType":"uint256","name":"mintAmount","type":"uint256"}],"name":"expandAndBuy","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"bytes32","name":"adapterId","type":"bytes32"},{"internalType":"bytes","name":"data","type":"bytes"}],"name":"contractAndSell","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"bytes32","name":"adapterId","type":"bytes32"}],"name":"AdapterNotRegistered","type":"error"},
  {"inputs":[{"internalType":"address","name":"caller","type":"address"}],"name":"Unauthorized","type":"error"},
  {"inputs":[{"internalType":"uint256","name":"requested","type":"uint256"},{"internalType":"uint256","name":"available","type":"uint256"}],"name":"ExpansionCapExceeded","type":"error"},
  {"inputs":[{"internalType":"uint256","name":"requested","type":"uint256"},{"internalType":"uint256","name":"available","type":"uint256"}],"name":"InsufficientReserves","type":"error"},
  {"inputs":[{"internalType":"uint256","name":"received","type":"uint256"},{"internalType":"uint256","name":"minimum","type":"uint256"}],"name":"SwapOutputTooLow","type":"error"},
  {"inputs":[],"name":"DelegateCallFailed","type":"error"}
]`

var moduleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(stabilityModuleABIJSON))
	if err != nil {
		panic("failed to parse stability module ABI: " + err.Error())
	}
	moduleABI = parsed
}

// AdapterID encodes an adapter name as a left-aligned, zero-padded bytes32.
// Names must leave room for a terminating zero byte.
func AdapterID(name string) ([AdapterIDLength]byte, error) {
	var id [AdapterIDLength]byte
	if name == "" {
		return id, fmt.Errorf("adapter name is empty")
	}
	if len(name) > AdapterIDLength-1 {
		return id, fmt.Errorf("adapter name %q exceeds %d bytes", name, AdapterIDLength-1)
	}
	copy(id[:], name)
	return id, nil
}

// ModuleCall packs the stability module entry point for an action.
func ModuleCall(kind rebalance.Kind, adapterID [AdapterIDLength]byte, payload []byte, mintAmount *big.Int) ([]byte, error) {
	switch kind {
	case rebalance.KindExpandAndBuy:
		return moduleABI.Pack("expandAndBuy", adapterID, payload, mintAmount)
	case rebalance.KindContractAndSell:
		return moduleABI.Pack("contractAndSell", adapterID, payload)
	default:
		return nil, fmt.Errorf("no module call for action %s", kind)
	}
}
