package seal_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/f1r3fly-io/rgbcore/seal"
	"github.com/stretchr/testify/require"
)

func mustTxid(t *testing.T, s string) [32]byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	var out [32]byte
	copy(out[:], b)
	return out
}

func TestEncodeDecodeSealIDRoundTrip(t *testing.T) {
	txid := mustTxid(t, "aa000000000000000000000000000000000000000000000000000000000000")
	o := seal.Outpoint{Txid: txid, Vout: 3}

	id := seal.EncodeSealID(o)
	decoded, err := seal.DecodeSealID(id)
	require.NoError(t, err)
	require.Equal(t, o, decoded)
}

func TestDisplayInternalRoundTrip(t *testing.T) {
	display := mustTxid(t, "aabbccddee0000000000000000000000000000000000000000000000001122")
	internal := seal.InternalTxid(display)
	require.NotEqual(t, display, internal)
	require.Equal(t, display, seal.InternalTxid(internal))
}

func TestDecodeSealIDRejectsMalformed(t *testing.T) {
	_, err := seal.DecodeSealID("not-a-valid-seal")
	require.ErrorIs(t, err, seal.ErrSealFormat)

	_, err = seal.DecodeSealID("aabb:not-a-number")
	require.ErrorIs(t, err, seal.ErrSealFormat)

	_, err = seal.DecodeSealID("aa:0")
	require.ErrorIs(t, err, seal.ErrSealFormat)
}

func TestWitnessID(t *testing.T) {
	addr := "tb1pexampleaddressxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	id := seal.WitnessID(addr, 0)
	require.True(t, seal.IsWitnessID(id))

	digest := sha256.Sum256([]byte(addr))
	expected := "witness:" + hex.EncodeToString(digest[:8]) + ":0"
	require.Equal(t, expected, id)
}
