package reconcile_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/f1r3fly-io/rgbcore/claimstore"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/reconcile"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

func hex32(prefix string) string {
	out := prefix
	for len(out) < 64 {
		out += "0"
	}
	return out
}

func newTestReconciler(t *testing.T, balance uint64) (*reconcile.Reconciler, *walletstate.Manager) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"result": balance})
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
	state.SetCurrentSeal(hex32("01"), hex32("aa")+":0")

	return &reconcile.Reconciler{
		Ledger:     ledger.New(ledger.Config{Host: u.Hostname(), HTTPPort: port}),
		ClaimStore: store,
		State:      state,
	}, state
}

func TestReconcileReturnsLedgerBalanceAndPendingCount(t *testing.T) {
	r, _ := newTestReconciler(t, 42)

	bal, err := r.Reconcile(context.Background(), hex32("01"))
	require.NoError(t, err)
	require.Equal(t, uint64(42), bal.LedgerAmount)
	require.Equal(t, 0, bal.PendingClaims)
}

func TestReconcileRejectsUnknownContract(t *testing.T) {
	r, _ := newTestReconciler(t, 0)

	_, err := r.Reconcile(context.Background(), hex32("99"))
	require.Error(t, err)
}

func TestRetryContractRequiresAcceptor(t *testing.T) {
	r, _ := newTestReconciler(t, 0)

	_, err := r.RetryContract(context.Background(), hex32("01"), consignment.Envelope{})
	require.Error(t, err)
}
