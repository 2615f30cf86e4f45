// Package consignment implements the consignment codec (C6): a
// deterministic, self-describing serialization of the consignment
// envelope described in spec.md §3/§6.4.
package consignment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrSerializationError = errors.New("consignment: serialization error")
	ErrUnknownField       = errors.New("consignment: unknown field")
	ErrMissingField       = errors.New("consignment: missing required field")
	ErrOutOfRange         = errors.New("consignment: numeric value out of range")
)

// OutpointRef is the hex-encoded wire form of an anchor-chain outpoint.
type OutpointRef struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// SealRef is one entry of the vout_index -> seal map. Kind is either
// "external" (Outpoint populated) or "witness" (Outpoint absent: the real
// outpoint is not known until the matching claim resolves).
type SealRef struct {
	Kind     string       `json:"kind"`
	Outpoint *OutpointRef `json:"outpoint,omitempty"`
}

// WitnessSealMapping is the optional witness-seal mapping carried by
// transfer consignments whose recipient seal was a witness placeholder.
type WitnessSealMapping struct {
	WitnessID        string `json:"witness_id"`
	RecipientAddress string `json:"recipient_address"`
	ExpectedVout     uint32 `json:"expected_vout"`
}

// TaprootAnchor is Method A's proof form, pinned to
// (internal_key, merkle_path, committed_leaf_script) per spec.md §9.
type TaprootAnchor struct {
	InternalKey         string   `json:"internal_key"`
	MerklePath          []string `json:"merkle_path"`
	CommittedLeafScript string   `json:"committed_leaf_script"`
}

// BitcoinAnchor is the consignment's anchor description: exactly one of
// Taproot, DataCarryingOutputIndex, or Placeholder is set, selected by
// Kind.
type BitcoinAnchor struct {
	Kind                    string         `json:"kind"` // "taproot" | "data_carrying" | "placeholder"
	Taproot                 *TaprootAnchor `json:"taproot,omitempty"`
	DataCarryingOutputIndex *uint32        `json:"data_carrying_output_index,omitempty"`
}

// ExecutionProof is the hex-wire form of ledger.ExecutionProof.
type ExecutionProof struct {
	Opid               string `json:"opid"`
	DeployID           string `json:"deploy_id"`
	FinalizedBlockHash string `json:"finalized_block_hash"`
	StateHash          string `json:"state_hash"`
	Source             string `json:"source"`
}

// ContractMetadata is the hex-wire form of the Contract entity, carrying
// the genesis record's ticker/name/supply/decimals alongside the deploy
// descriptors so a recipient who has never seen this contract before (the
// genesis case) still has something self-contained to check the ledger's
// own getMetadata() response against (spec.md §4.8 step 6).
type ContractMetadata struct {
	ContractID        string   `json:"contract_id"`
	RegistryURI       string   `json:"registry_uri"`
	MethodDescriptors []string `json:"method_descriptors"`
	SourceCode        string   `json:"source_code"`
	DerivationIndex   uint32   `json:"derivation_index"`
	Ticker            string   `json:"ticker"`
	Name              string   `json:"name"`
	Supply            uint64   `json:"supply"`
	Decimals          uint8    `json:"decimals"`
}

// Envelope is the full consignment envelope (spec.md §3 "Consignment").
//
// WitnessTransactions carries the ordered list of anchor witness
// transactions raw (hex-encoded wire.MsgTx.Serialize output), not just
// their txids: spec.md §4.8 step 4 derives a candidate's txid by hashing
// the included bytes, and Bob must be able to validate Alice's
// consignment before the anchor transaction is reliably fetchable from
// any chain-lookup service (S3).
type Envelope struct {
	Version             uint32              `json:"version"`
	ContractID          string              `json:"contract_id"`
	Contract            ContractMetadata    `json:"contract"`
	ExecutionProof      ExecutionProof      `json:"execution_proof"`
	WitnessTransactions []string            `json:"witness_transactions"`
	Seals               map[string]SealRef  `json:"seals"`
	BitcoinAnchor       BitcoinAnchor       `json:"bitcoin_anchor"`
	IsGenesis           bool                `json:"is_genesis"`
	WitnessSeal         *WitnessSealMapping `json:"witness_seal,omitempty"`
}

// VoutKey zero-pads a vout index so ascending-key serialization (which
// Go's encoding/json already does alphabetically for map[string]V) also
// comes out in ascending numeric order, keeping round-trip output
// byte-stable regardless of how many outputs a consignment has.
func VoutKey(index uint32) string {
	return fmt.Sprintf("%08d", index)
}

// Marshal serializes env deterministically: byte fields already hex, and
// map keys ascend because VoutKey zero-pads and encoding/json sorts map
// keys lexicographically.
func Marshal(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationError, err)
	}
	out := buf.Bytes()
	// json.Encoder.Encode appends a trailing newline; trim it so Marshal
	// round-trips byte-for-byte against itself.
	if len(out) > 0 && out[len(out)-1] == '\n' {
		out = out[:len(out)-1]
	}
	return out, nil
}

// Unmarshal deserializes bytes into an Envelope, rejecting unknown
// top-level fields, missing required fields, and out-of-range numeric
// values.
func Unmarshal(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		if isUnknownFieldError(err) {
			return Envelope{}, fmt.Errorf("%w: %v", ErrUnknownField, err)
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrSerializationError, err)
	}

	if err := validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func isUnknownFieldError(err error) bool {
	return err != nil && len(err.Error()) > 0 &&
		bytes.Contains([]byte(err.Error()), []byte("unknown field"))
}

func validate(env Envelope) error {
	if env.ContractID == "" {
		return fmt.Errorf("%w: contract_id", ErrMissingField)
	}
	if env.Contract.ContractID == "" {
		return fmt.Errorf("%w: contract.contract_id", ErrMissingField)
	}
	if len(env.Seals) == 0 {
		return fmt.Errorf("%w: seals map must be non-empty", ErrMissingField)
	}
	for key, ref := range env.Seals {
		switch ref.Kind {
		case "external":
			if ref.Outpoint == nil {
				return fmt.Errorf("%w: seal %s marked external but has no outpoint", ErrMissingField, key)
			}
		case "witness":
			// Outpoint deliberately absent until claim resolution.
		default:
			return fmt.Errorf("%w: seal %s has unknown kind %q", ErrOutOfRange, key, ref.Kind)
		}
	}
	switch env.BitcoinAnchor.Kind {
	case "taproot":
		if env.BitcoinAnchor.Taproot == nil {
			return fmt.Errorf("%w: bitcoin_anchor.taproot", ErrMissingField)
		}
	case "data_carrying":
		if env.BitcoinAnchor.DataCarryingOutputIndex == nil {
			return fmt.Errorf("%w: bitcoin_anchor.data_carrying_output_index", ErrMissingField)
		}
	case "placeholder":
		if !env.IsGenesis {
			return fmt.Errorf("%w: placeholder anchor only valid for genesis consignments", ErrOutOfRange)
		}
	default:
		return fmt.Errorf("%w: bitcoin_anchor.kind %q", ErrOutOfRange, env.BitcoinAnchor.Kind)
	}
	return nil
}
