// Package anchor implements the anchor commitment module (C2): deriving a
// 32-byte commitment payload, embedding it into a witness transaction under
// one of two methods, and extracting it back out for verification.
//
// The two methods are enumerated rather than expressed as an interface with
// two implementations, per the "prefer enumerated methods over trait
// objects" design note: a transfer only ever picks one of exactly two fixed
// strategies, so a closed switch is the idiomatic shape, not a plugin
// point.
package anchor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Method enumerates the two anchoring strategies spec.md §4.2 describes.
type Method int

const (
	// MethodTaprootScriptTree tweaks a taproot output's internal key by
	// the Merkle root of a single-leaf tree carrying the state hash.
	MethodTaprootScriptTree Method = iota
	// MethodDataCarrying places a zero-value OP_RETURN output carrying
	// the state hash directly at the given output index: appended when
	// the index equals the output count, replacing the output there
	// otherwise.
	MethodDataCarrying
)

var (
	// ErrCommitmentFailed covers Method A failures: the output is not a
	// taproot output, or its internal key is missing and unrecoverable.
	ErrCommitmentFailed = errors.New("anchor: commitment embedding failed")
	// ErrNotOpReturn is Method B's extraction failure when the output at
	// the declared index is not a data-carrying output.
	ErrNotOpReturn = errors.New("anchor: output is not a data-carrying output")
	// ErrInvalidOutputIndex covers an out-of-range output index for
	// either method.
	ErrInvalidOutputIndex = errors.New("anchor: output index out of range")
)

// TaprootProof is Method A's proof form, pinned per the design note in
// spec.md §9: the internal key, the Merkle path to the committed leaf, and
// the leaf script itself. With a single-leaf tree the path is always
// empty; it is carried anyway so a future multi-leaf extension round-trips
// without a format change.
type TaprootProof struct {
	InternalKey         [32]byte
	MerklePath          [][]byte
	CommittedLeafScript []byte
}

// DataCarryingProof is Method B's proof form: which output carries the
// commitment.
type DataCarryingProof struct {
	OutputIndex uint32
}

// Proof is the result of Embed, carrying exactly one of the two proof
// forms depending on Method.
type Proof struct {
	Method       Method
	Taproot      *TaprootProof
	DataCarrying *DataCarryingProof
}

// Embed commits stateHash into tx's output at outputIndex using method,
// mutating the output's script in place. The caller must call Embed before
// signing the transaction so that signatures cover the committed script.
func Embed(method Method, tx *wire.MsgTx, outputIndex uint32, stateHash [32]byte) (Proof, error) {
	switch method {
	case MethodTaprootScriptTree:
		return embedTaproot(tx, outputIndex, stateHash)
	case MethodDataCarrying:
		return embedDataCarrying(tx, outputIndex, stateHash)
	default:
		return Proof{}, fmt.Errorf("anchor: unknown method %d", method)
	}
}

// Extract recovers the committed state hash from tx's output at
// outputIndex using proof.Method, recomputing the commitment from proof and
// comparing it against the transaction's actual output.
func Extract(proof Proof, tx *wire.MsgTx, outputIndex uint32) ([32]byte, error) {
	switch proof.Method {
	case MethodTaprootScriptTree:
		return extractTaproot(proof.Taproot, tx, outputIndex)
	case MethodDataCarrying:
		return extractDataCarrying(tx, outputIndex)
	default:
		return [32]byte{}, fmt.Errorf("anchor: unknown method %d", proof.Method)
	}
}

func outputAt(tx *wire.MsgTx, index uint32) (*wire.TxOut, error) {
	if int(index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("%w: index %d, tx has %d outputs", ErrInvalidOutputIndex, index, len(tx.TxOut))
	}
	return tx.TxOut[index], nil
}

// leafScript builds the OP_RETURN leaf script that commits to stateHash
// inside the taproot script tree.
func leafScript(stateHash [32]byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(stateHash[:]).
		Script()
}

// tapTweak builds the single-leaf script tree for leaf and computes the
// tweaked taproot output key for internalKey.
func tapTweak(internalKey *btcec.PublicKey, leaf []byte) (*btcec.PublicKey, *txscript.IndexedTapScriptTree) {
	tapLeaf := txscript.NewBaseTapLeaf(leaf)
	tree := txscript.AssembleTaprootScriptTree(tapLeaf)
	root := tree.RootNode.TapHash()
	tweaked := txscript.ComputeTaprootOutputKey(internalKey, root[:])
	return tweaked, tree
}

func embedTaproot(tx *wire.MsgTx, outputIndex uint32, stateHash [32]byte) (Proof, error) {
	out, err := outputAt(tx, outputIndex)
	if err != nil {
		return Proof{}, err
	}

	internalKey, err := extractTaprootInternalKey(out.PkScript)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrCommitmentFailed, err)
	}

	leaf, err := leafScript(stateHash)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: building leaf script: %v", ErrCommitmentFailed, err)
	}

	tweakedKey, _ := tapTweak(internalKey, leaf)

	newScript, err := txscript.PayToTaprootScript(tweakedKey)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: building tweaked output script: %v", ErrCommitmentFailed, err)
	}
	out.PkScript = newScript

	var internalKeyBytes [32]byte
	copy(internalKeyBytes[:], schnorr.SerializePubKey(internalKey))

	return Proof{
		Method: MethodTaprootScriptTree,
		Taproot: &TaprootProof{
			InternalKey:         internalKeyBytes,
			MerklePath:          nil,
			CommittedLeafScript: leaf,
		},
	}, nil
}

// extractTaprootInternalKey requires a 34-byte P2TR script (OP_1 PUSH32
// <key>) and returns the parsed x-only internal key.
func extractTaprootInternalKey(script []byte) (*btcec.PublicKey, error) {
	if len(script) != 34 || script[0] != txscript.OP_1 || script[1] != txscript.OP_DATA_32 {
		return nil, fmt.Errorf("output is not a 34-byte taproot output")
	}
	return schnorr.ParsePubKey(script[2:])
}

func extractTaproot(proof *TaprootProof, tx *wire.MsgTx, outputIndex uint32) ([32]byte, error) {
	var stateHash [32]byte
	if proof == nil {
		return stateHash, fmt.Errorf("%w: missing taproot proof", ErrCommitmentFailed)
	}

	out, err := outputAt(tx, outputIndex)
	if err != nil {
		return stateHash, err
	}

	internalKey, err := schnorr.ParsePubKey(proof.InternalKey[:])
	if err != nil {
		return stateHash, fmt.Errorf("%w: parsing internal key: %v", ErrCommitmentFailed, err)
	}

	tweakedKey, _ := tapTweak(internalKey, proof.CommittedLeafScript)
	wantScript, err := txscript.PayToTaprootScript(tweakedKey)
	if err != nil {
		return stateHash, fmt.Errorf("%w: %v", ErrCommitmentFailed, err)
	}
	if !bytes.Equal(wantScript, out.PkScript) {
		return stateHash, fmt.Errorf("%w: recomputed tweak does not match output script", ErrCommitmentFailed)
	}

	stateHash, ok := stateHashFromLeaf(proof.CommittedLeafScript)
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: leaf script is not an OP_RETURN commitment", ErrCommitmentFailed)
	}
	return stateHash, nil
}

func stateHashFromLeaf(leaf []byte) ([32]byte, bool) {
	var out [32]byte
	tokenizer := txscript.MakeScriptTokenizer(0, leaf)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return out, false
	}
	if !tokenizer.Next() || len(tokenizer.Data()) != 32 {
		return out, false
	}
	copy(out[:], tokenizer.Data())
	return out, tokenizer.Err() == nil
}

func embedDataCarrying(tx *wire.MsgTx, outputIndex uint32, stateHash [32]byte) (Proof, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(stateHash[:]).
		Script()
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrCommitmentFailed, err)
	}

	carrier := &wire.TxOut{Value: 0, PkScript: script}
	if int(outputIndex) == len(tx.TxOut) {
		tx.TxOut = append(tx.TxOut, carrier)
	} else if int(outputIndex) < len(tx.TxOut) {
		tx.TxOut[outputIndex] = carrier
	} else {
		return Proof{}, fmt.Errorf("%w: index %d, tx has %d outputs", ErrInvalidOutputIndex, outputIndex, len(tx.TxOut))
	}

	return Proof{
		Method:       MethodDataCarrying,
		DataCarrying: &DataCarryingProof{OutputIndex: outputIndex},
	}, nil
}

func extractDataCarrying(tx *wire.MsgTx, outputIndex uint32) ([32]byte, error) {
	out, err := outputAt(tx, outputIndex)
	if err != nil {
		return [32]byte{}, err
	}
	stateHash, ok := stateHashFromLeaf(out.PkScript)
	if !ok {
		return [32]byte{}, ErrNotOpReturn
	}
	return stateHash, nil
}
