package transfer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/f1r3fly-io/rgbcore/authz"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/seal"
	"github.com/f1r3fly-io/rgbcore/transfer"
	"github.com/f1r3fly-io/rgbcore/walletiface"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

// fakeLedger simulates deploy_contract/call_method/query_state/
// is_block_finalized over HTTP, matching ledger.Client's wire shape.
// query_state's get_metadata branch always answers with meta so issuance's
// post-deploy cross-check (spec.md §4.7.1 step 6) passes by default.
func fakeLedger(t *testing.T, balance uint64) *httptest.Server {
	t.Helper()
	return fakeLedgerWithMetadata(t, balance, defaultTestMetadata())
}

func defaultTestMetadata() map[string]any {
	return map[string]any{
		"ticker":   "USD",
		"name":     "Test Dollar",
		"supply":   uint64(1_000_000),
		"decimals": uint8(2),
	}
}

func fakeLedgerWithMetadata(t *testing.T, balance uint64, meta map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params struct {
				Method string `json:"method"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Method {
		case "deploy_contract":
			json.NewEncoder(w).Encode(map[string]any{
				"result": map[string]any{
					"contract_id": hex32("01"),
					"proof":       proofWire("02", "03"),
				},
			})
		case "call_method":
			json.NewEncoder(w).Encode(map[string]any{"result": proofWire("04", "05")})
		case "query_state":
			switch req.Params.Method {
			case "get_metadata":
				json.NewEncoder(w).Encode(map[string]any{"result": meta})
			default: // get_balance
				json.NewEncoder(w).Encode(map[string]any{"result": balance})
			}
		case "is_block_finalized":
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func proofWire(opidPrefix, statePrefix string) map[string]string {
	return map[string]string{
		"opid":                 hex32(opidPrefix),
		"deploy_id":            "deploy-1",
		"finalized_block_hash": "block-1",
		"state_hash":           hex32(statePrefix),
		"source":               "contract source",
	}
}

func hex32(prefix string) string {
	out := prefix
	for len(out) < 64 {
		out += "0"
	}
	return out
}

func newTestEngine(t *testing.T, srv *httptest.Server) (*transfer.Engine, *walletiface.MockChainWallet) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	client := ledger.New(ledger.Config{Host: u.Hostname(), HTTPPort: port})

	signer, err := authz.NewSigner(make([]byte, 32), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	state, err := walletstate.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	sourceTxid := make([]byte, 32)
	sourceTxid[0] = 0xaa
	var sourceTxidArr [32]byte
	copy(sourceTxidArr[:], sourceTxid)
	sourceSeal := seal.EncodeSealID(seal.Outpoint{Txid: sourceTxidArr, Vout: 0})
	state.SetContractMetadata(consignment.ContractMetadata{ContractID: contractIDHex()})
	state.SetContractDerivationIndex(contractIDHex(), 0)
	state.SetCurrentSeal(contractIDHex(), sourceSeal)

	wallet := walletiface.NewMockChainWallet()
	bridge := walletiface.NewMockChainBridge()

	return &transfer.Engine{
		Wallet:         wallet,
		Bridge:         bridge,
		Ledger:         client,
		Signer:         signer,
		State:          state,
		AnchorMethod:   anchor.MethodDataCarrying,
		ConsignmentDir: t.TempDir(),
	}, wallet
}

func contractIDHex() string { return hex32("01") }

func TestIssueWritesGenesisConsignmentAndState(t *testing.T) {
	srv := fakeLedger(t, 0)
	defer srv.Close()

	engine, state := newTestEngineForIssue(t, srv)

	genesisTxid := hex32("aa")
	result, err := engine.Issue(context.Background(), transfer.IssuanceParams{
		Ticker:           "USD",
		Name:             "Test Dollar",
		TotalSupply:      1_000_000,
		DecimalPrecision: 2,
		GenesisOutpoint:  transfer.OutpointRef{TxidHex: genesisTxid, Vout: 0},
		SourceCode:       "contract source",
	})
	require.NoError(t, err)
	require.Equal(t, contractIDHex(), result.ContractID)
	require.Equal(t, "deploy-1", result.ExecutionProof.DeployID)
	require.True(t, state.ContractExists(contractIDHex()))

	entries, err := os.ReadDir(engine.ConsignmentDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func newTestEngineForIssue(t *testing.T, srv *httptest.Server) (*transfer.Engine, *walletstate.Manager) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	client := ledger.New(ledger.Config{Host: u.Hostname(), HTTPPort: port})
	signer, err := authz.NewSigner(make([]byte, 32), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	state, err := walletstate.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	return &transfer.Engine{
		Wallet:         walletiface.NewMockChainWallet(),
		Bridge:         walletiface.NewMockChainBridge(),
		Ledger:         client,
		Signer:         signer,
		State:          state,
		AnchorMethod:   anchor.MethodDataCarrying,
		ConsignmentDir: t.TempDir(),
	}, state
}

func TestTransferWitnessRecipientSplitsChange(t *testing.T) {
	srv := fakeLedger(t, 10_000)
	defer srv.Close()
	engine, wallet := newTestEngine(t, srv)
	wallet.UTXOs = []walletiface.UTXO{{Amount: 100_000}}

	result, err := engine.Transfer(context.Background(), transfer.TransferParams{
		AnchorMethod: anchor.MethodDataCarrying,
		Invoice: transfer.Invoice{
			ContractID: contractIDHex(),
			Amount:     4_000,
			RecipientSeal: transfer.RecipientSeal{
				IsWitness:        true,
				WitnessVout:      1,
				RecipientAddress: "tb1pmockrecipient00000000000000000000000000000000000000000000",
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(4_000), result.Amount)
	require.Equal(t, uint64(6_000), result.Change)
	require.NotEmpty(t, result.ConsignmentPath)
	require.NotEmpty(t, result.ConsignmentBytes)
}

func TestTransferInsufficientBalanceRejected(t *testing.T) {
	srv := fakeLedger(t, 100)
	defer srv.Close()
	engine, wallet := newTestEngine(t, srv)
	wallet.UTXOs = []walletiface.UTXO{{Amount: 100_000}}

	_, err := engine.Transfer(context.Background(), transfer.TransferParams{
		AnchorMethod: anchor.MethodDataCarrying,
		Invoice: transfer.Invoice{
			ContractID: contractIDHex(),
			Amount:     4_000,
			RecipientSeal: transfer.RecipientSeal{
				IsWitness:        true,
				WitnessVout:      1,
				RecipientAddress: "tb1pmockrecipient00000000000000000000000000000000000000000000",
			},
		},
	})
	require.ErrorIs(t, err, transfer.ErrInsufficientBalance)
}
