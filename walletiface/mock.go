package walletiface

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/f1r3fly-io/rgbcore/seal"
)

// MockChainWallet is a test double for ChainWallet, in the style of
// tapgarden.MockWalletAnchor: an in-memory stand-in callers can seed with
// fixture UTXOs and inspect afterward.
type MockChainWallet struct {
	mu sync.Mutex

	UTXOs            []UTXO
	NextAddrIndex    uint32
	RevealedAddrs    []string
	BuiltRequests    []BuildTxRequest
	ForceBuildFailed bool
}

// NewMockChainWallet returns a MockChainWallet seeded with utxos.
func NewMockChainWallet(utxos ...UTXO) *MockChainWallet {
	return &MockChainWallet{UTXOs: utxos}
}

func (m *MockChainWallet) ListUnspent(_ context.Context) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UTXO, len(m.UTXOs))
	copy(out, m.UTXOs)
	return out, nil
}

func (m *MockChainWallet) RevealNextAddress(_ context.Context) (string, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.NextAddrIndex
	m.NextAddrIndex++
	addr := "tb1pmock0000000000000000000000000000000000000000000000000000"
	m.RevealedAddrs = append(m.RevealedAddrs, addr)
	return addr, idx, nil
}

func (m *MockChainWallet) BuildTransaction(_ context.Context, req BuildTxRequest) (*psbt.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BuiltRequests = append(m.BuiltRequests, req)

	if m.ForceBuildFailed {
		return nil, ErrBuildFailed
	}

	excluded := make(map[string]bool, len(req.ExcludedOutpoints))
	for _, id := range req.ExcludedOutpoints {
		excluded[id] = true
	}

	var available int64
	for _, u := range m.UTXOs {
		if excluded[seal.EncodeSealID(u.Outpoint)] {
			continue
		}
		available += u.Amount
	}

	var needed int64
	for _, r := range req.Recipients {
		needed += r.Amount
	}
	if needed > available {
		return nil, ErrBuildFailed
	}

	tx := wire.NewMsgTx(2)
	for _, r := range req.Recipients {
		tx.AddTxOut(&wire.TxOut{Value: r.Amount, PkScript: []byte{0x51, 0x20}})
	}
	tx.AddTxOut(&wire.TxOut{Value: available - needed, PkScript: []byte{0x51, 0x20}}) // change

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func (m *MockChainWallet) SignTransaction(_ context.Context, pkt *psbt.Packet) (*psbt.Packet, error) {
	return pkt, nil
}

func (m *MockChainWallet) ExtractTx(pkt *psbt.Packet) (*wire.MsgTx, error) {
	return pkt.UnsignedTx, nil
}

func (m *MockChainWallet) Txid(tx *wire.MsgTx) chainhash.Hash {
	return tx.TxHash()
}

// MockChainBridge is a test double for ChainBridge.
type MockChainBridge struct {
	mu sync.Mutex

	Height      uint32
	Broadcasted []*wire.MsgTx
	Fees        FeeEstimates
}

func NewMockChainBridge() *MockChainBridge {
	return &MockChainBridge{Fees: FeeEstimates{6: 5.0}}
}

func (m *MockChainBridge) TipHeight(_ context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Height, nil
}

func (m *MockChainBridge) TipHash(_ context.Context) (chainhash.Hash, error) {
	return chainhash.Hash{}, nil
}

func (m *MockChainBridge) HeightOf(_ context.Context, _ chainhash.Hash) (uint32, error) {
	return m.Height, nil
}

func (m *MockChainBridge) FetchTransaction(_ context.Context, _ chainhash.Hash) (*wire.MsgTx, error) {
	return nil, ErrTransactionNotFound
}

func (m *MockChainBridge) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Broadcasted = append(m.Broadcasted, tx)
	return nil
}

func (m *MockChainBridge) EstimateFee(_ context.Context, _ []uint32) (FeeEstimates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fees, nil
}
