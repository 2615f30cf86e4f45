package walletstate_test

import (
	"path/filepath"
	"testing"

	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/walletstate"
	"github.com/stretchr/testify/require"
)

func TestDerivationIndexSnapshotBeforeIncrement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mgr, err := walletstate.Load(path)
	require.NoError(t, err)

	k := mgr.TakeDerivationIndex()
	require.Equal(t, uint32(0), k)
	mgr.SetContractDerivationIndex("contract-1", k)

	require.Equal(t, uint32(1), mgr.NextDerivationIndex())

	idx, ok := mgr.ContractDerivationIndex("contract-1")
	require.True(t, ok)
	require.Equal(t, uint32(0), idx)
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mgr, err := walletstate.Load(path)
	require.NoError(t, err)

	mgr.SetContractMetadata(consignment.ContractMetadata{ContractID: "c1", RegistryURI: "rho:c1"})
	mgr.MarkOccupied("aa:0")
	require.NoError(t, mgr.SaveState())

	reloaded, err := walletstate.Load(path)
	require.NoError(t, err)

	meta, ok := reloaded.ContractMetadata("c1")
	require.True(t, ok)
	require.Equal(t, "rho:c1", meta.RegistryURI)
	require.True(t, reloaded.IsOccupied("aa:0"))
}

func TestContractExistsDichotomy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mgr, err := walletstate.Load(path)
	require.NoError(t, err)

	require.False(t, mgr.ContractExists("c1"))
	mgr.SetContractMetadata(consignment.ContractMetadata{ContractID: "c1"})
	require.True(t, mgr.ContractExists("c1"))
}
