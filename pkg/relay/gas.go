package relay

import (
	"github.com/ethereum/go-ethereum/params"
)

// Per-step gas charged on top of the intrinsic cost of the relay
// transaction. They approximate the storage and precompile work a forwarder
// contract performs for each step.
const (
	verifyGas    = params.EcrecoverGas + params.Keccak256Gas*3
	nonceGas     = params.ColdSloadCostEIP2929 + params.SstoreResetGasEIP2200
	rateLimitGas = params.ColdSloadCostEIP2929 + params.SstoreResetGasEIP2200
	whitelistGas = params.ColdSloadCostEIP2929
	forwardGas   = params.CallGasEIP150
	reimburseGas = params.CallValueTransferGas + params.ColdSloadCostEIP2929
	logGas       = params.LogGas + 3*params.LogTopicGas
)

// calldataGas prices data the way a transaction's input is priced.
func calldataGas(data []byte) uint64 {
	var gas uint64
	for _, b := range data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}

// gasUsed is the fee-bearing gas a relayer spends on one envelope whose
// forwarded call returned ret.
func gasUsed(env Envelope, ret []byte) uint64 {
	// from, target, nonce and deadline are ABI words, plus the payload and
	// the signature.
	gas := params.TxGas + 4*32*params.TxDataNonZeroGasEIP2028
	gas += calldataGas(env.Payload) + calldataGas(env.Signature)
	gas += verifyGas + nonceGas + rateLimitGas + whitelistGas + forwardGas + reimburseGas
	gas += logGas + params.LogDataGas*uint64(len(ret))
	return gas
}
