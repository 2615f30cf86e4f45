package ledger_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/stretchr/testify/require"
)

// fakeRPC is a minimal stand-in for the state-ledger RPC used to exercise
// Client without a real ledger node.
func fakeRPC(t *testing.T, finalizedAfter int) *httptest.Server {
	t.Helper()
	calls := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.Method {
		case "deploy_contract":
			resp := map[string]any{
				"result": map[string]any{
					"contract_id": hex32("11"),
					"proof": map[string]string{
						"opid":                  hex32("22"),
						"deploy_id":             "deploy-1",
						"finalized_block_hash":  "block-1",
						"state_hash":            hex32("33"),
						"source":                "contract source",
					},
				},
			}
			json.NewEncoder(w).Encode(resp)
		case "is_block_finalized":
			calls++
			json.NewEncoder(w).Encode(map[string]any{"result": calls > finalizedAfter})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func hex32(prefix string) string {
	out := prefix
	for len(out) < 64 {
		out += "0"
	}
	return out
}

func TestDeployContractWaitsForFinalization(t *testing.T) {
	srv := fakeRPC(t, 2)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	client := ledger.New(ledger.Config{
		Host:         u.Hostname(),
		HTTPPort:     port,
		PollInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	contractID, proof, err := client.DeployContract(ctx, "contract source", map[string]any{"ticker": "USD"})
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, contractID)
	require.Equal(t, "deploy-1", proof.DeployID)
}
