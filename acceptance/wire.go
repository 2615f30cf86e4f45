package acceptance

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/f1r3fly-io/rgbcore/consignment"
)

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("expected 32-byte hex, got %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func mustDecodeHash32(s string) [32]byte {
	out, _ := decodeHash32(s)
	return out
}

func asMsgTx(raw any) (*wire.MsgTx, error) {
	tx, ok := raw.(*wire.MsgTx)
	if !ok {
		return nil, fmt.Errorf("acceptance: expected *wire.MsgTx, got %T", raw)
	}
	return tx, nil
}

// decodeRawTx deserializes a witness transaction from the hex-encoded raw
// bytes a consignment carries directly (spec.md §3/§4.8 step 4), so
// acceptance never has to fetch it from the chain to validate it.
func decodeRawTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("acceptance: decoding witness transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("acceptance: deserializing witness transaction: %w", err)
	}
	return tx, nil
}

func outputsOf(tx *wire.MsgTx) []*wire.TxOut {
	return tx.TxOut
}

// decodeAnchorProof reconstructs an anchor.Proof from a consignment's
// wire-form BitcoinAnchor, along with the output index it applies to.
func decodeAnchorProof(ba consignment.BitcoinAnchor) (anchor.Proof, uint32, error) {
	switch ba.Kind {
	case "taproot":
		if ba.Taproot == nil {
			return anchor.Proof{}, 0, fmt.Errorf("%w: missing taproot anchor", ErrCommitmentMismatch)
		}
		internalKey, err := decodeHash32(ba.Taproot.InternalKey)
		if err != nil {
			return anchor.Proof{}, 0, fmt.Errorf("%w: decoding internal key: %v", ErrCommitmentMismatch, err)
		}
		leaf, err := hex.DecodeString(ba.Taproot.CommittedLeafScript)
		if err != nil {
			return anchor.Proof{}, 0, fmt.Errorf("%w: decoding leaf script: %v", ErrCommitmentMismatch, err)
		}
		path := make([][]byte, len(ba.Taproot.MerklePath))
		for i, step := range ba.Taproot.MerklePath {
			decoded, err := hex.DecodeString(step)
			if err != nil {
				return anchor.Proof{}, 0, fmt.Errorf("%w: decoding merkle path step %d: %v", ErrCommitmentMismatch, i, err)
			}
			path[i] = decoded
		}
		return anchor.Proof{
			Method: anchor.MethodTaprootScriptTree,
			Taproot: &anchor.TaprootProof{
				InternalKey:         internalKey,
				MerklePath:          path,
				CommittedLeafScript: leaf,
			},
		}, 0, nil
	case "data_carrying":
		if ba.DataCarryingOutputIndex == nil {
			return anchor.Proof{}, 0, fmt.Errorf("%w: missing data-carrying output index", ErrCommitmentMismatch)
		}
		idx := *ba.DataCarryingOutputIndex
		return anchor.Proof{
			Method:       anchor.MethodDataCarrying,
			DataCarrying: &anchor.DataCarryingProof{OutputIndex: idx},
		}, idx, nil
	default:
		return anchor.Proof{}, 0, fmt.Errorf("%w: unexpected anchor kind %q for non-genesis consignment", ErrCommitmentMismatch, ba.Kind)
	}
}
