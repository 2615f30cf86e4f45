package authz_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/f1r3fly-io/rgbcore/authz"
	"github.com/stretchr/testify/require"
)

func TestGetChildKeyAtIndexIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	signer, err := authz.NewSigner(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	k1, err := signer.GetChildKeyAtIndex(7)
	require.NoError(t, err)
	k2, err := signer.GetChildKeyAtIndex(7)
	require.NoError(t, err)
	require.Equal(t, k1.Public.SerializeCompressed(), k2.Public.SerializeCompressed())

	k3, err := signer.GetChildKeyAtIndex(8)
	require.NoError(t, err)
	require.NotEqual(t, k1.Public.SerializeCompressed(), k3.Public.SerializeCompressed())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	seed := make([]byte, 32)
	signer, err := authz.NewSigner(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	kp, err := signer.GetChildKeyAtIndex(0)
	require.NoError(t, err)

	nonce, err := authz.NewNonce()
	require.NoError(t, err)

	digest := authz.HashTransfer("from-seal", "to-seal", 2500, nonce)
	sig, err := authz.Sign(kp.Private, digest)
	require.NoError(t, err)

	require.NoError(t, authz.Verify(kp.Public, digest, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	seed := make([]byte, 32)
	signer, err := authz.NewSigner(seed, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	kp0, err := signer.GetChildKeyAtIndex(0)
	require.NoError(t, err)
	kp1, err := signer.GetChildKeyAtIndex(1)
	require.NoError(t, err)

	digest := authz.HashIssue("seal-id", 10000, 1)
	sig, err := authz.Sign(kp0.Private, digest)
	require.NoError(t, err)

	err = authz.Verify(kp1.Public, digest, sig)
	require.ErrorIs(t, err, authz.ErrSignatureRejected)
}
