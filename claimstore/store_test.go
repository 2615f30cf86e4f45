package claimstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/f1r3fly-io/rgbcore/claimstore"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *claimstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claims.db")
	store, err := claimstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAndRetrievePendingClaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertPendingClaim(ctx, claimstore.Claim{
		WitnessID:        "witness:abcd1234:0",
		RecipientAddress: "tb1pbob",
		ExpectedVout:     0,
		ContractID:       "contract-1",
		ConsignmentFile:  "/tmp/x.json",
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	pending, err := store.GetPendingClaims(ctx, "contract-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, claimstore.StatusPending, pending[0].Status)
}

func TestDuplicateWitnessContractRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	claim := claimstore.Claim{
		WitnessID:       "witness:dupe:0",
		ContractID:      "contract-1",
		ConsignmentFile: "/tmp/x.json",
	}
	_, err := store.InsertPendingClaim(ctx, claim)
	require.NoError(t, err)

	_, err = store.InsertPendingClaim(ctx, claim)
	require.ErrorIs(t, err, claimstore.ErrSqlError)
}

func TestMarkClaimedUpdatesCacheAndClaimedUTXOs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	vout := uint32(2)
	id, err := store.InsertPendingClaim(ctx, claimstore.Claim{
		WitnessID:       "witness:feed:2",
		ContractID:      "contract-9",
		ConsignmentFile: "/tmp/y.json",
		ActualTxid:      "deadbeef",
		ActualVout:      &vout,
	})
	require.NoError(t, err)

	require.NoError(t, store.MarkClaimed(ctx, id, "contract-9"))

	utxos, err := store.GetClaimedUTXOs(ctx, "contract-9")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, "deadbeef", utxos[0].Txid)
	require.Equal(t, uint32(2), utxos[0].Vout)
}

func TestInvalidateCacheForcesReload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.InsertPendingClaim(ctx, claimstore.Claim{
		WitnessID:       "witness:aaa:0",
		ContractID:      "contract-5",
		ConsignmentFile: "/tmp/z.json",
	})
	require.NoError(t, err)

	store.InvalidateCache()

	claims, err := store.GetAllClaims(ctx, "contract-5")
	require.NoError(t, err)
	require.Len(t, claims, 1)
}
