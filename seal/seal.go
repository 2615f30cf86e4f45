// Package seal implements the bidirectional encoding between anchor-chain
// outpoints and the seal-identifier strings the contract ledger uses as map
// keys (C1 in the design ledger).
package seal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSealFormat is returned whenever a seal or outpoint string fails to
// parse: wrong hex length, non-numeric vout, or a missing separator.
var ErrSealFormat = errors.New("seal: malformed identifier")

// Outpoint is a reference to a single anchor-chain transaction output.
//
// Txid is held in *display* byte order: the big-endian form a block
// explorer shows and the form callers get back from hex txid strings
// (chain-wallet outpoints, invoice beneficiaries). The ledger's seal
// identifiers use the reversed, *internal* order instead (spec.md
// invariant I6); EncodeSealID/DecodeSealID perform that conversion so
// every other component only ever deals in Outpoint's display form.
type Outpoint struct {
	Txid [32]byte
	Vout uint32
}

// Seal is a primary outpoint plus a noise component used as a domain
// separator inside commitments (spec.md §3, "Seal").
type Seal struct {
	Outpoint Outpoint
	Noise    [32]byte
}

// reverse returns a byte-reversed copy of b.
func reverse(b [32]byte) [32]byte {
	var out [32]byte
	for i := range b {
		out[i] = b[32-1-i]
	}
	return out
}

// DisplayTxid renders a display-order txid as chain-explorer hex (no byte
// reversal: that is already the form Outpoint stores).
func DisplayTxid(display [32]byte) string {
	return hex.EncodeToString(display[:])
}

// InternalTxid converts a display-order txid to the internal (reversed)
// byte order the ledger's seal identifiers use.
func InternalTxid(display [32]byte) [32]byte {
	return reverse(display)
}

// EncodeSealID renders the seal identifier string the contract ledger
// keys its state by: hex(reverse(txid_bytes)) || ":" || vout_decimal.
func EncodeSealID(o Outpoint) string {
	internal := reverse(o.Txid)
	return hex.EncodeToString(internal[:]) + ":" + strconv.FormatUint(uint64(o.Vout), 10)
}

// DecodeSealID parses a seal identifier string back into an Outpoint,
// reversing EncodeSealID exactly: decode_seal_id(encode_seal_id(o)) = o.
func DecodeSealID(id string) (Outpoint, error) {
	var out Outpoint

	sep := strings.LastIndex(id, ":")
	if sep < 0 {
		return out, fmt.Errorf("%w: missing ':' separator in %q", ErrSealFormat, id)
	}

	txidHex, voutStr := id[:sep], id[sep+1:]
	b, err := hex.DecodeString(txidHex)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("%w: txid segment must be 32 bytes hex, got %q", ErrSealFormat, txidHex)
	}
	vout, err := strconv.ParseUint(voutStr, 10, 32)
	if err != nil {
		return out, fmt.Errorf("%w: vout segment must be a non-negative integer, got %q", ErrSealFormat, voutStr)
	}

	var internal [32]byte
	copy(internal[:], b)
	out.Txid = reverse(internal)
	out.Vout = uint32(vout)
	return out, nil
}

// WitnessID builds the placeholder seal identifier used when a transfer's
// recipient seal is only known by vout and recipient address, per
// spec.md §3/§4.7.2 step 3: "witness:" || H(recipient_address)[0..16hex] || ":" || vout.
func WitnessID(recipientAddress string, vout uint32) string {
	digest := sha256.Sum256([]byte(recipientAddress))
	prefix := hex.EncodeToString(digest[:8]) // 16 hex chars == first 8 bytes
	return fmt.Sprintf("witness:%s:%d", prefix, vout)
}

// IsWitnessID reports whether id was produced by WitnessID rather than
// EncodeSealID.
func IsWitnessID(id string) bool {
	return strings.HasPrefix(id, "witness:")
}
