// Package transfer implements the transfer engine (C7): issuance and
// transfer, composing the anchor commitment module, the authorization
// module, the contract client, and the chain wallet.
//
// Engine.Transfer follows the same ordered step progression as the
// ChainPorter pattern from the taproot-assets lineage (ChainPorterConfig /
// stateStep / advanceState) — resolve seals, authorize, invoke the
// contract, commit, sign, broadcast, register the anchor, assemble the
// consignment — but generalized to this system's simpler
// single-wallet-per-operation model (spec.md §5): no background goroutine,
// no request channel, no pub/sub subscribers. C7 and C8 run sequentially
// with respect to one wallet, so the steps execute inline rather than
// through a dispatched state enum; each is marked with a comment in
// Engine.Transfer naming the step it corresponds to.
package transfer

import (
	"errors"
	"time"

	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/f1r3fly-io/rgbcore/consignment"
)

// ErrInsufficientBalance is raised at step 1 of a transfer when the
// source seal's balance is below the requested amount.
var ErrInsufficientBalance = errors.New("transfer: insufficient balance")

// ErrBroadcastFailed covers step 8 failures: the ledger has already
// recorded the transfer (step 5 succeeded) but the anchor transaction did
// not reach the network. The caller MAY retry the anchor build.
var ErrBroadcastFailed = errors.New("transfer: broadcast failed")

// ErrMetadataMismatch is issuance step 6's failure (spec.md §4.7.1): the
// contract's own getMetadata() disagrees with the issuance inputs just
// deployed. The contract is presumed to have misbehaved; issuance fails.
var ErrMetadataMismatch = errors.New("transfer: deployed contract metadata does not match issuance inputs")

// Invoice is a parsed recipient description (spec.md §6.6).
type Invoice struct {
	ContractID      string
	Amount          uint64
	RecipientSeal   RecipientSeal
	RecipientPubKey [33]byte // compressed secp256k1 public key
}

// RecipientSeal is either a fully known outpoint or a witness placeholder
// (spec.md §3 "Seal").
type RecipientSeal struct {
	IsWitness bool
	// External form:
	TxidHex string
	Vout    uint32
	// Witness form:
	WitnessVout      uint32
	RecipientAddress string
}

// IssuanceParams are the inputs to Engine.Issue (spec.md §4.7.1).
type IssuanceParams struct {
	Ticker           string
	Name             string
	TotalSupply      uint64
	DecimalPrecision uint8
	GenesisOutpoint  OutpointRef
	SourceCode       string
}

// OutpointRef is a display-order (txid hex, vout) pair, the form callers
// naturally have from a chain-wallet UTXO listing.
type OutpointRef struct {
	TxidHex string
	Vout    uint32
}

// IssuanceResult is returned by a successful Engine.Issue.
type IssuanceResult struct {
	ContractID     string
	ExecutionProof consignment.ExecutionProof
}

// TransferParams are the inputs to Engine.Transfer (spec.md §4.7.2).
type TransferParams struct {
	Invoice            Invoice
	FeeRateSatPerVByte float64
	AnchorMethod       anchor.Method
}

// TransferResult mirrors the original OutboundParcel shape (renamed and
// trimmed to this system's fields): the anchor txid, the written
// consignment file, its bytes, and the amount/change split.
type TransferResult struct {
	AnchorTxid       string
	ConsignmentPath  string
	ConsignmentBytes []byte
	Amount           uint64
	Change           uint64
	TransferTime     time.Time
}
