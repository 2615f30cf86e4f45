package anchor_test

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/stretchr/testify/require"
)

func taprootOutput(t *testing.T) (*wire.MsgTx, *btcec.PrivateKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	internalKey := priv.PubKey()
	// Build a bare 34-byte P2TR script directly from the x-only key so
	// the test doesn't depend on an already-tweaked output.
	xonly := schnorr.SerializePubKey(internalKey)
	pkScript := append([]byte{txscript.OP_1, txscript.OP_DATA_32}, xonly...)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: pkScript})
	return tx, priv
}

func TestMethodATaprootRoundTrip(t *testing.T) {
	tx, _ := taprootOutput(t)
	stateHash := sha256.Sum256([]byte("transition-1"))

	proof, err := anchor.Embed(anchor.MethodTaprootScriptTree, tx, 0, stateHash)
	require.NoError(t, err)
	require.NotNil(t, proof.Taproot)

	got, err := anchor.Extract(proof, tx, 0)
	require.NoError(t, err)
	require.Equal(t, stateHash, got)
}

func TestMethodADetectsTamperedOutput(t *testing.T) {
	tx, _ := taprootOutput(t)
	stateHash := sha256.Sum256([]byte("transition-1"))

	proof, err := anchor.Embed(anchor.MethodTaprootScriptTree, tx, 0, stateHash)
	require.NoError(t, err)

	tx.TxOut[0].Value = 999999 // unrelated mutation, script untouched: still verifies
	_, err = anchor.Extract(proof, tx, 0)
	require.NoError(t, err)

	tx.TxOut[0].PkScript[2] ^= 0xFF // corrupt the tweaked key byte
	_, err = anchor.Extract(proof, tx, 0)
	require.ErrorIs(t, err, anchor.ErrCommitmentFailed)
}

func TestMethodBDataCarryingRoundTrip(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 50000, PkScript: []byte{txscript.OP_1, txscript.OP_DATA_32}})

	stateHash := sha256.Sum256([]byte("transition-2"))
	proof, err := anchor.Embed(anchor.MethodDataCarrying, tx, 1, stateHash)
	require.NoError(t, err)
	require.Equal(t, uint32(1), proof.DataCarrying.OutputIndex)
	require.Len(t, tx.TxOut, 2)
	require.Zero(t, tx.TxOut[1].Value)

	got, err := anchor.Extract(proof, tx, 1)
	require.NoError(t, err)
	require.Equal(t, stateHash, got)
}

func TestMethodBRejectsNonOpReturn(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 50000, PkScript: []byte{txscript.OP_1, txscript.OP_DATA_32}})

	_, err := anchor.Extract(anchor.Proof{Method: anchor.MethodDataCarrying,
		DataCarrying: &anchor.DataCarryingProof{OutputIndex: 0}}, tx, 0)
	require.ErrorIs(t, err, anchor.ErrNotOpReturn)
}

func TestMethodBRejectsOutOfRangeIndex(t *testing.T) {
	tx := wire.NewMsgTx(2)
	_, err := anchor.Extract(anchor.Proof{Method: anchor.MethodDataCarrying,
		DataCarrying: &anchor.DataCarryingProof{OutputIndex: 5}}, tx, 5)
	require.ErrorIs(t, err, anchor.ErrInvalidOutputIndex)
}
