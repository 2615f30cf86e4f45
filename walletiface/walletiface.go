// Package walletiface defines the external collaborator interfaces
// spec.md §6 describes: the chain wallet (§6.1) and the blockchain lookup
// service (§6.2). Neither is implemented here — both sit outside this
// module's scope — but the interfaces let C7/C8/C9 depend on abstractions
// instead of a concrete wallet, following the same dependency-injection
// shape tapgarden.WalletAnchor/ChainBridge use in the teacher codebase.
package walletiface

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/f1r3fly-io/rgbcore/seal"
)

// ErrTransactionNotFound distinguishes "not found" from a transport error
// in FetchTransaction, per spec.md §6.2.
var ErrTransactionNotFound = errors.New("walletiface: transaction not found")

// ErrBuildFailed is returned by ChainWallet.BuildTransaction when coin
// selection cannot satisfy the request (e.g. S4: insufficient funds once
// RGB-occupied outpoints are excluded).
var ErrBuildFailed = errors.New("walletiface: build failed")

// UTXO is a chain-wallet-known unspent output with its wallet metadata.
type UTXO struct {
	Outpoint        seal.Outpoint
	Amount          int64
	Confirmations   uint32
	DerivationIndex uint32
}

// Recipient is one output a built transaction must pay.
type Recipient struct {
	Address string
	Amount  int64
}

// BuildTxRequest parameterizes ChainWallet.BuildTransaction.
type BuildTxRequest struct {
	Recipients        []Recipient
	FeeRateSatPerVByte float64
	ExcludedOutpoints []string // seal identifiers the coin selector MUST NOT spend (invariant I3)
	ForcedInputs      []seal.Outpoint
}

// ChainWallet is the required contract of spec.md §6.1: UTXO enumeration,
// address revelation, transaction building/signing, txid extraction, and
// atomic persistence of its own mutations. Persistence is entirely
// internal to the chain wallet; this interface only exposes the
// operations the core calls.
type ChainWallet interface {
	ListUnspent(ctx context.Context) ([]UTXO, error)
	RevealNextAddress(ctx context.Context) (address string, derivationIndex uint32, err error)
	BuildTransaction(ctx context.Context, req BuildTxRequest) (*psbt.Packet, error)
	SignTransaction(ctx context.Context, pkt *psbt.Packet) (*psbt.Packet, error)
	ExtractTx(pkt *psbt.Packet) (*wire.MsgTx, error)
	Txid(tx *wire.MsgTx) chainhash.Hash
}

// FeeEstimates maps confirmation target (blocks) to sat/vB.
type FeeEstimates map[uint32]float64

// ChainBridge is the required contract of spec.md §6.2: tip/height
// lookups, transaction fetch, broadcast, and fee estimation.
type ChainBridge interface {
	TipHeight(ctx context.Context) (uint32, error)
	TipHash(ctx context.Context) (chainhash.Hash, error)
	HeightOf(ctx context.Context, hash chainhash.Hash) (uint32, error)
	FetchTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
	EstimateFee(ctx context.Context, targets []uint32) (FeeEstimates, error)
}
