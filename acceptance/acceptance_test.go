package acceptance_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/f1r3fly-io/rgbcore/acceptance"
	"github.com/f1r3fly-io/rgbcore/claimstore"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

func hex32(prefix string) string {
	out := prefix
	for len(out) < 64 {
		out += "0"
	}
	return out
}

// newTestAcceptor builds an Acceptor against a fake ledger that answers
// register_contract/is_block_finalized with a flat true, and query_state's
// get_metadata branch with an all-zero-valued metadata object — which
// matches every test's Contract literal below except
// TestAcceptMetadataMismatchFails, the one test that sets a ticker.
func newTestAcceptor(t *testing.T) (*acceptance.Acceptor, *walletstate.Manager) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				Method string `json:"method"`
			} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		switch req.Method {
		case "query_state":
			switch req.Params.Method {
			case "get_metadata":
				json.NewEncoder(w).Encode(map[string]any{
					"result": map[string]any{"ticker": "", "name": "", "supply": uint64(0), "decimals": uint8(0)},
				})
			default:
				json.NewEncoder(w).Encode(map[string]any{"result": uint64(0)})
			}
		default: // register_contract, is_block_finalized
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store, err := claimstore.Open(filepath.Join(t.TempDir(), "claims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	state, err := walletstate.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	return &acceptance.Acceptor{
		Ledger:     ledger.New(ledger.Config{Host: u.Hostname(), HTTPPort: port}),
		ClaimStore: store,
		State:      state,
	}, state
}

func TestAcceptGenesisRecordsContract(t *testing.T) {
	a, state := newTestAcceptor(t)

	env := consignment.Envelope{
		Version:        1,
		ContractID:     hex32("01"),
		Contract:       consignment.ContractMetadata{ContractID: hex32("01")},
		ExecutionProof: consignment.ExecutionProof{StateHash: hex32("02")},
		Seals: map[string]consignment.SealRef{
			consignment.VoutKey(0): {Kind: "external", Outpoint: &consignment.OutpointRef{Txid: hex32("aa"), Vout: 0}},
		},
		BitcoinAnchor: consignment.BitcoinAnchor{Kind: "placeholder"},
		IsGenesis:     true,
	}

	outcome, err := a.Accept(context.Background(), env, "/tmp/consignment.json")
	require.NoError(t, err)
	require.True(t, outcome.Claimed)
	require.True(t, state.ContractExists(hex32("01")))
}

func TestAcceptRejectsUnknownContractForTransfer(t *testing.T) {
	a, _ := newTestAcceptor(t)

	env := consignment.Envelope{
		Version:        1,
		ContractID:     hex32("99"),
		Contract:       consignment.ContractMetadata{ContractID: hex32("99")},
		ExecutionProof: consignment.ExecutionProof{StateHash: hex32("02"), FinalizedBlockHash: "block-1"},
		Seals: map[string]consignment.SealRef{
			consignment.VoutKey(0): {Kind: "witness"},
		},
		BitcoinAnchor: consignment.BitcoinAnchor{Kind: "data_carrying", DataCarryingOutputIndex: uint32Ptr(0)},
		IsGenesis:     false,
		WitnessSeal:   &consignment.WitnessSealMapping{WitnessID: "witness:aabb:0", RecipientAddress: "addr", ExpectedVout: 0},
	}

	_, err := a.Accept(context.Background(), env, "/tmp/consignment.json")
	require.ErrorIs(t, err, acceptance.ErrUnknownContract)
}

func TestAcceptWitnessRecipientAutoClaims(t *testing.T) {
	a, state := newTestAcceptor(t)
	state.SetContractMetadata(consignment.ContractMetadata{ContractID: hex32("01")})

	stateHash := [32]byte{0x42}
	var leaf []byte
	leaf = append(leaf, 0x6a, 0x20)
	leaf = append(leaf, stateHash[:]...)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0}, nil, nil))
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: leaf})
	rawHex := serializeTxHex(t, tx)

	env := consignment.Envelope{
		Version:             1,
		ContractID:          hex32("01"),
		Contract:            consignment.ContractMetadata{ContractID: hex32("01")},
		ExecutionProof:      consignment.ExecutionProof{StateHash: hex.EncodeToString(stateHash[:]), FinalizedBlockHash: "block-1"},
		WitnessTransactions: []string{rawHex},
		Seals: map[string]consignment.SealRef{
			consignment.VoutKey(0): {Kind: "witness"},
		},
		BitcoinAnchor: consignment.BitcoinAnchor{Kind: "data_carrying", DataCarryingOutputIndex: uint32Ptr(0)},
		IsGenesis:     false,
		WitnessSeal:   &consignment.WitnessSealMapping{WitnessID: "witness:aabb:0", RecipientAddress: "addr", ExpectedVout: 0},
	}

	outcome, err := a.Accept(context.Background(), env, "/tmp/consignment.json")
	require.NoError(t, err)
	require.True(t, outcome.Claimed)
	require.NotEmpty(t, outcome.SealID)
}

func TestAcceptMetadataMismatchFails(t *testing.T) {
	a, _ := newTestAcceptor(t)

	env := consignment.Envelope{
		Version:    1,
		ContractID: hex32("01"),
		// Ticker set non-empty: the fake ledger's getMetadata always reports
		// the zero value, so this deliberately disagrees (spec.md §4.8 step 6).
		Contract:       consignment.ContractMetadata{ContractID: hex32("01"), Ticker: "USD"},
		ExecutionProof: consignment.ExecutionProof{StateHash: hex32("02")},
		Seals: map[string]consignment.SealRef{
			consignment.VoutKey(0): {Kind: "external", Outpoint: &consignment.OutpointRef{Txid: hex32("aa"), Vout: 0}},
		},
		BitcoinAnchor: consignment.BitcoinAnchor{Kind: "placeholder"},
		IsGenesis:     true,
	}

	_, err := a.Accept(context.Background(), env, "/tmp/consignment.json")
	require.ErrorIs(t, err, acceptance.ErrMetadataMismatch)
}

func serializeTxHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func uint32Ptr(v uint32) *uint32 { return &v }
