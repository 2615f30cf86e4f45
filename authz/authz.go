// Package authz implements the authorization module (C3): per-contract
// signing key derivation from the wallet master secret, and the
// authorization-signature scheme that binds (operation, parameters, nonce)
// to a public key.
package authz

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/blake2b"
)

// ErrSignatureRejected mirrors the C3/C4/C8 shared error kind: a signature
// did not verify against the expected public key.
var ErrSignatureRejected = errors.New("authz: signature rejected")

// purposeIndex/accountIndex form the fixed hardened path every per-contract
// signing key is derived under, isolating this wallet's contract keys from
// any other derivation the chain wallet performs with the same master
// secret. Purpose 86' mirrors BIP-86 (taproot) framing; the fixed account
// 0' keeps the path stable across contracts, varying only by the
// per-contract index appended on top.
const (
	hardenedOffset = hdkeychain.HardenedKeyStart
	purposeIndex   = 86 + hardenedOffset
	accountIndex   = 0 + hardenedOffset
)

// KeyPair is a derived per-contract signing key.
type KeyPair struct {
	Index   uint32
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
}

// Signer derives deterministic per-contract signing keys from a single
// wallet master secret.
type Signer struct {
	master *hdkeychain.ExtendedKey
}

// NewSigner builds a Signer from a raw 32+ byte master seed. The chain
// wallet's own BIP-32/39/86 mnemonic handling is out of scope (spec.md
// §1); this only consumes an already-derived seed.
func NewSigner(masterSeed []byte, net *chaincfg.Params) (*Signer, error) {
	master, err := hdkeychain.NewMaster(masterSeed, net)
	if err != nil {
		return nil, fmt.Errorf("authz: deriving master key: %w", err)
	}
	return &Signer{master: master}, nil
}

// GetChildKeyAtIndex derives the per-contract signing key at index k. It is
// deterministic and pure: the same (master secret, k) always yields the
// same key pair.
func (s *Signer) GetChildKeyAtIndex(k uint32) (KeyPair, error) {
	purpose, err := s.master.Child(purposeIndex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("authz: deriving purpose level: %w", err)
	}
	account, err := purpose.Child(accountIndex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("authz: deriving account level: %w", err)
	}
	child, err := account.Child(k)
	if err != nil {
		return KeyPair{}, fmt.Errorf("authz: deriving contract index %d: %w", k, err)
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("authz: extracting private key: %w", err)
	}

	return KeyPair{Index: k, Private: priv, Public: priv.PubKey()}, nil
}

// NewNonce returns a freshly generated random 64-bit nonce, suitable for a
// single issue/transfer/claim call. The contract is expected to reject any
// replay of the same (params, nonce) pair.
func NewNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("authz: generating nonce: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// HashIssue computes H("issue" | recipientSealID | amount | nonce).
func HashIssue(recipientSealID string, amount, nonce uint64) [32]byte {
	return hashFields("issue", recipientSealID, amount, nonce)
}

// HashTransfer computes H("transfer" | fromSealID | toSealID | amount | nonce).
func HashTransfer(fromSealID, toSealID string, amount, nonce uint64) [32]byte {
	return hashFieldsTransfer(fromSealID, toSealID, amount, nonce)
}

func hashFields(op, sealID string, amount, nonce uint64) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(op))
	h.Write([]byte("|"))
	h.Write([]byte(sealID))
	h.Write([]byte("|"))
	writeUint64(h, amount)
	h.Write([]byte("|"))
	writeUint64(h, nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashFieldsTransfer(from, to string, amount, nonce uint64) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("transfer"))
	h.Write([]byte("|"))
	h.Write([]byte(from))
	h.Write([]byte("|"))
	h.Write([]byte(to))
	h.Write([]byte("|"))
	writeUint64(h, amount)
	h.Write([]byte("|"))
	writeUint64(h, nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint64(w interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

// Sign produces a 64-byte secp256k1 Schnorr signature over digest.
func Sign(priv *btcec.PrivateKey, digest [32]byte) ([64]byte, error) {
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return [64]byte{}, fmt.Errorf("authz: signing: %w", err)
	}
	var out [64]byte
	copy(out[:], sig.Serialize())
	return out, nil
}

// Verify checks a 64-byte Schnorr signature over digest against pub,
// returning ErrSignatureRejected on mismatch.
func Verify(pub *btcec.PublicKey, digest [32]byte, sig [64]byte) error {
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return fmt.Errorf("%w: parsing signature: %v", ErrSignatureRejected, err)
	}
	if !parsed.Verify(digest[:], pub) {
		return ErrSignatureRejected
	}
	return nil
}
