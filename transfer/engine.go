package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/f1r3fly-io/rgbcore/authz"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/internal/atomicfile"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/seal"
	"github.com/f1r3fly-io/rgbcore/walletiface"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

var log btclog.Logger = btclog.Disabled

// UseLogger installs logger as this package's sub-logger.
func UseLogger(logger btclog.Logger) { log = logger }

// dustAmount is the bitcoin value given to every anchor-carrying output:
// enough to be standard-relay-policy-valid, never meant to carry economic
// value of its own (the token amount lives entirely in the ledger's state).
const dustAmount = 1000

// Engine drives both the issuance and transfer algorithms (spec.md
// §4.7.1, §4.7.2), composing the anchor commitment module, the
// authorization module, the contract client, the chain wallet, and the
// contract-state manager. It holds no state of its own beyond its
// collaborators, mirroring ChainPorterConfig's dependency-bag shape.
type Engine struct {
	Wallet         walletiface.ChainWallet
	Bridge         walletiface.ChainBridge
	Ledger         *ledger.Client
	Signer         *authz.Signer
	State          *walletstate.Manager
	AnchorMethod   anchor.Method
	ConsignmentDir string
}

// Issue executes spec.md §4.7.1: deploy a new single-issuer fungible-token
// contract, recording its genesis outpoint as the authoritative initial
// seal. A genesis consignment carries a placeholder anchor (spec.md §9):
// there is no witness transaction to commit into, since the genesis
// outpoint already exists on chain before this contract did.
func (e *Engine) Issue(ctx context.Context, params IssuanceParams) (*IssuanceResult, error) {
	derivationIndex := e.State.TakeDerivationIndex() // snapshot before deploy, per invariant I2
	kp, err := e.Signer.GetChildKeyAtIndex(derivationIndex)
	if err != nil {
		return nil, fmt.Errorf("transfer: deriving issuance key: %w", err)
	}

	genesisSealID := seal.EncodeSealID(seal.Outpoint{
		Txid: mustDecodeTxidHex(params.GenesisOutpoint.TxidHex),
		Vout: params.GenesisOutpoint.Vout,
	})

	nonce, err := authz.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("transfer: generating issuance nonce: %w", err)
	}
	digest := authz.HashIssue(genesisSealID, params.TotalSupply, nonce)
	sig, err := authz.Sign(kp.Private, digest)
	if err != nil {
		return nil, fmt.Errorf("transfer: signing issuance: %w", err)
	}

	deployParams := map[string]any{
		"ticker":       params.Ticker,
		"name":         params.Name,
		"total_supply": params.TotalSupply,
		"decimals":     params.DecimalPrecision,
		"genesis_seal": genesisSealID,
		"nonce":        nonce,
		"pubkey":       hex.EncodeToString(kp.Public.SerializeCompressed()),
		"signature":    hex.EncodeToString(sig[:]),
	}

	contractID, proof, err := e.Ledger.DeployContract(ctx, params.SourceCode, deployParams)
	if err != nil {
		return nil, fmt.Errorf("transfer: deploying contract: %w", err)
	}
	contractIDHex := hexID(contractID)

	// step 6: query the deployed contract's own getMetadata() and verify
	// it reports back exactly what we just issued. A mismatch means the
	// contract misbehaved; the issuance is fatal rather than silently
	// trusting what we asked for.
	if err := e.verifyMetadata(ctx, contractID, params); err != nil {
		return nil, err
	}

	meta := consignment.ContractMetadata{
		ContractID:      contractIDHex,
		SourceCode:      params.SourceCode,
		DerivationIndex: derivationIndex,
		Ticker:          params.Ticker,
		Name:            params.Name,
		Supply:          params.TotalSupply,
		Decimals:        params.DecimalPrecision,
	}
	e.State.SetContractMetadata(meta)
	e.State.SetContractDerivationIndex(contractIDHex, derivationIndex)
	e.State.SetGenesisRecord(contractIDHex, walletstate.GenesisRecord{
		Ticker:   params.Ticker,
		Name:     params.Name,
		Supply:   params.TotalSupply,
		Decimals: params.DecimalPrecision,
		Outpoint: consignment.OutpointRef{Txid: params.GenesisOutpoint.TxidHex, Vout: params.GenesisOutpoint.Vout},
		ExecutionProof: wireProof(proof),
	})
	e.State.SetCurrentSeal(contractIDHex, genesisSealID)
	e.State.MarkOccupied(genesisSealID)

	env := consignment.Envelope{
		Version:        1,
		ContractID:     contractIDHex,
		Contract:       meta,
		ExecutionProof: wireProof(proof),
		Seals: map[string]consignment.SealRef{
			consignment.VoutKey(params.GenesisOutpoint.Vout): {
				Kind:     "external",
				Outpoint: &consignment.OutpointRef{Txid: params.GenesisOutpoint.TxidHex, Vout: params.GenesisOutpoint.Vout},
			},
		},
		BitcoinAnchor: consignment.BitcoinAnchor{Kind: "placeholder"},
		IsGenesis:     true,
	}
	if _, err := e.writeConsignment(contractIDHex, proof.Opid, env); err != nil {
		return nil, err
	}

	if err := e.State.SaveState(); err != nil {
		return nil, fmt.Errorf("transfer: persisting state after issuance: %w", err)
	}

	log.Infof("issued contract %s (ticker=%s supply=%d)", contractIDHex, params.Ticker, params.TotalSupply)
	return &IssuanceResult{ContractID: contractIDHex, ExecutionProof: wireProof(proof)}, nil
}

// Transfer executes spec.md §4.7.2: move amount of a contract's balance
// from this wallet's current seal to the invoice's recipient seal,
// anchoring the ledger-authorized transfer into a witness transaction and
// assembling the consignment the recipient needs to claim it.
func (e *Engine) Transfer(ctx context.Context, params TransferParams) (*TransferResult, error) {
	inv := params.Invoice
	contractID, err := decodeHash32(inv.ContractID)
	if err != nil {
		return nil, fmt.Errorf("transfer: parsing contract id: %w", err)
	}

	// stateResolveSourceSeal
	sourceSealID, ok := e.State.CurrentSeal(inv.ContractID)
	if !ok {
		return nil, fmt.Errorf("transfer: no known seal controls contract %s", inv.ContractID)
	}
	balance, err := e.queryBalance(ctx, contractID, sourceSealID)
	if err != nil {
		return nil, err
	}
	if balance < inv.Amount {
		return nil, ErrInsufficientBalance
	}
	change := balance - inv.Amount

	// stateRecipientIdentifier
	recipientSealID := e.resolveRecipientSeal(inv)

	// stateComposeSeals / stateBuildAnchorTx: vout 0 is always a
	// wallet-owned address — the new change seal when there is change to
	// return, and the commitment carrier under the taproot method (the
	// data-carrying method appends its own carrier output at stateCommit
	// instead). A witness-form recipient (one
	// who only gave us an address, not a seal they already control) also
	// gets a fresh payment output at vout 1; an external-form recipient
	// already owns their seal from an unrelated output, so this
	// transaction never pays them directly.
	commitmentAddr, _, err := e.Wallet.RevealNextAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("transfer: revealing commitment/change address: %w", err)
	}
	req := walletiface.BuildTxRequest{
		FeeRateSatPerVByte: params.FeeRateSatPerVByte,
		ExcludedOutpoints:  e.State.OccupiedOutpoints(),
		Recipients:         []walletiface.Recipient{{Address: commitmentAddr, Amount: dustAmount}},
	}
	const changeVout = uint32(0)
	var recipientVout uint32
	hasRecipientOutput := inv.RecipientSeal.IsWitness
	if hasRecipientOutput {
		recipientVout = 1
		req.Recipients = append(req.Recipients, walletiface.Recipient{Address: inv.RecipientSeal.RecipientAddress, Amount: dustAmount})
	}

	pkt, err := e.Wallet.BuildTransaction(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("transfer: building anchor transaction: %w", err)
	}

	// stateAuthorize
	derivationIndex, ok := e.State.ContractDerivationIndex(inv.ContractID)
	if !ok {
		return nil, fmt.Errorf("transfer: no signing key recorded for contract %s", inv.ContractID)
	}
	kp, err := e.Signer.GetChildKeyAtIndex(derivationIndex)
	if err != nil {
		return nil, fmt.Errorf("transfer: deriving signing key: %w", err)
	}
	nonce, err := authz.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("transfer: generating nonce: %w", err)
	}
	digest := authz.HashTransfer(sourceSealID, recipientSealID, inv.Amount, nonce)
	sig, err := authz.Sign(kp.Private, digest)
	if err != nil {
		return nil, fmt.Errorf("transfer: signing transfer: %w", err)
	}

	// stateInvokeContract
	proof, err := e.Ledger.CallMethod(ctx, contractID, "transfer", map[string]any{
		"from_seal": sourceSealID,
		"to_seal":   recipientSealID,
		"amount":    inv.Amount,
		"nonce":     nonce,
		"pubkey":    hex.EncodeToString(kp.Public.SerializeCompressed()),
		"signature": hex.EncodeToString(sig[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: invoking transfer method: %w", err)
	}

	// stateCommit: embed the execution proof's state hash using the
	// configured anchor method, before the transaction is signed: the
	// taproot method tweaks vout 0, the data-carrying method appends a new
	// zero-value OP_RETURN output so vout 0 stays spendable.
	commitVout := changeVout
	if params.AnchorMethod == anchor.MethodDataCarrying {
		commitVout = uint32(len(pkt.UnsignedTx.TxOut))
	}
	anchorProof, err := anchor.Embed(params.AnchorMethod, pkt.UnsignedTx, commitVout, proof.StateHash)
	if err != nil {
		return nil, fmt.Errorf("transfer: embedding anchor commitment: %w", err)
	}
	if len(pkt.Outputs) < len(pkt.UnsignedTx.TxOut) {
		pkt.Outputs = append(pkt.Outputs, psbt.POutput{})
	}

	// stateSignBroadcast
	signedPkt, err := e.Wallet.SignTransaction(ctx, pkt)
	if err != nil {
		return nil, fmt.Errorf("transfer: signing anchor transaction: %w", err)
	}
	tx, err := e.Wallet.ExtractTx(signedPkt)
	if err != nil {
		return nil, fmt.Errorf("transfer: extracting anchor transaction: %w", err)
	}
	if err := e.Bridge.Broadcast(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	txid := e.Wallet.Txid(tx)

	// stateRegisterAnchor / stateMarkChangeOccupied
	wireAnchor := wireAnchorProof(anchorProof)
	opidHex := hexID(proof.Opid)
	e.State.RegisterAnchor(opidHex, wireAnchor)

	var changeSealID string
	if change > 0 {
		changeSealID = seal.EncodeSealID(seal.Outpoint{Txid: chainhashToDisplay(txid), Vout: changeVout})
		e.State.SetCurrentSeal(inv.ContractID, changeSealID)
		e.State.MarkOccupied(changeSealID)
	}
	e.State.MarkOccupied(recipientSealID)

	// stateAssembleConsignment. vout 0 (the change output) is only
	// a meaningful seal entry when there is change to return; a
	// witness-form recipient's fresh output at vout 1 is recorded without
	// an outpoint (the recipient's own wallet resolves it, per the
	// witness-seal design); an external-form recipient's pre-existing seal
	// is recorded directly from the invoice, independent of any vout of
	// this transaction.
	seals := make(map[string]consignment.SealRef)
	if change > 0 {
		changeOutpoint := consignment.OutpointRef{Txid: hex.EncodeToString(chainhashToDisplay(txid)[:]), Vout: changeVout}
		seals[consignment.VoutKey(changeVout)] = consignment.SealRef{Kind: "external", Outpoint: &changeOutpoint}
	}
	var witnessSeal *consignment.WitnessSealMapping
	if hasRecipientOutput {
		seals[consignment.VoutKey(recipientVout)] = consignment.SealRef{Kind: "witness"}
		witnessSeal = &consignment.WitnessSealMapping{
			WitnessID:        recipientSealID,
			RecipientAddress: inv.RecipientSeal.RecipientAddress,
			ExpectedVout:     inv.RecipientSeal.WitnessVout,
		}
	} else {
		seals[recipientSealID] = consignment.SealRef{
			Kind:     "external",
			Outpoint: &consignment.OutpointRef{Txid: inv.RecipientSeal.TxidHex, Vout: inv.RecipientSeal.Vout},
		}
	}

	rawTx, err := serializeTx(tx)
	if err != nil {
		return nil, fmt.Errorf("transfer: serializing anchor transaction: %w", err)
	}

	meta, _ := e.State.ContractMetadata(inv.ContractID)
	env := consignment.Envelope{
		Version:             1,
		ContractID:          inv.ContractID,
		Contract:            meta,
		ExecutionProof:      wireProof(proof),
		WitnessTransactions: []string{rawTx},
		Seals:               seals,
		BitcoinAnchor:       wireAnchor,
		IsGenesis:           false,
		WitnessSeal:         witnessSeal,
	}

	path, bytesWritten, err := e.writeConsignmentBytes(inv.ContractID, proof.Opid, env)
	if err != nil {
		return nil, err
	}

	if err := e.State.SaveState(); err != nil {
		return nil, fmt.Errorf("transfer: persisting state after transfer: %w", err)
	}

	log.Infof("transferred %d of contract %s to %s (anchor txid %s)", inv.Amount, inv.ContractID, recipientSealID, txid)
	return &TransferResult{
		AnchorTxid:       txid.String(),
		ConsignmentPath:  path,
		ConsignmentBytes: bytesWritten,
		Amount:           inv.Amount,
		Change:           change,
	}, nil
}

// resolveRecipientSeal computes the recipient's seal identifier: a witness
// placeholder for a recipient who only gave an address (spec.md §4.7.2
// step 3), or the seal they already control for one who gave a full
// outpoint.
func (e *Engine) resolveRecipientSeal(inv Invoice) string {
	rs := inv.RecipientSeal
	if rs.IsWitness {
		return seal.WitnessID(rs.RecipientAddress, rs.WitnessVout)
	}
	return seal.EncodeSealID(seal.Outpoint{Txid: mustDecodeTxidHex(rs.TxidHex), Vout: rs.Vout})
}

// metadataWire is getMetadata()'s pure-function response shape
// (spec.md §4.4).
type metadataWire struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Supply   uint64 `json:"supply"`
	Decimals uint8  `json:"decimals"`
}

// verifyMetadata implements issuance step 6 (spec.md §4.7.1): query the
// just-deployed contract's own getMetadata() and fail the issuance if it
// disagrees with what was asked for.
func (e *Engine) verifyMetadata(ctx context.Context, contractID [32]byte, params IssuanceParams) error {
	raw, err := e.Ledger.QueryState(ctx, contractID, "get_metadata", nil)
	if err != nil {
		return fmt.Errorf("transfer: querying contract metadata: %w", err)
	}
	var got metadataWire
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("transfer: decoding contract metadata: %w", err)
	}
	if got.Ticker != params.Ticker || got.Name != params.Name ||
		got.Supply != params.TotalSupply || got.Decimals != params.DecimalPrecision {
		return fmt.Errorf("%w: contract reports ticker=%q name=%q supply=%d decimals=%d, issued ticker=%q name=%q supply=%d decimals=%d",
			ErrMetadataMismatch, got.Ticker, got.Name, got.Supply, got.Decimals,
			params.Ticker, params.Name, params.TotalSupply, params.DecimalPrecision)
	}
	return nil
}

func (e *Engine) queryBalance(ctx context.Context, contractID [32]byte, sealID string) (uint64, error) {
	raw, err := e.Ledger.QueryState(ctx, contractID, "get_balance", map[string]any{"seal": sealID})
	if err != nil {
		return 0, fmt.Errorf("transfer: querying balance: %w", err)
	}
	var balance uint64
	if err := json.Unmarshal(raw, &balance); err != nil {
		return 0, fmt.Errorf("transfer: decoding balance: %w", err)
	}
	return balance, nil
}

func (e *Engine) writeConsignment(contractID string, opid [32]byte, env consignment.Envelope) (string, error) {
	path, _, err := e.writeConsignmentBytes(contractID, opid, env)
	return path, err
}

func (e *Engine) writeConsignmentBytes(contractID string, opid [32]byte, env consignment.Envelope) (string, []byte, error) {
	data, err := consignment.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("transfer: serializing consignment: %w", err)
	}
	path := filepath.Join(e.ConsignmentDir, fmt.Sprintf("%s-%s.json", contractID, hexID(opid)))
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return "", nil, fmt.Errorf("transfer: writing consignment: %w", err)
	}
	return path, data, nil
}

func wireProof(p ledger.ExecutionProof) consignment.ExecutionProof {
	return consignment.ExecutionProof{
		Opid:               hexID(p.Opid),
		DeployID:           p.DeployID,
		FinalizedBlockHash: p.FinalizedBlockHash,
		StateHash:          hexID(p.StateHash),
		Source:             p.Source,
	}
}

func wireAnchorProof(p anchor.Proof) consignment.BitcoinAnchor {
	switch p.Method {
	case anchor.MethodTaprootScriptTree:
		path := make([]string, len(p.Taproot.MerklePath))
		for i, step := range p.Taproot.MerklePath {
			path[i] = hex.EncodeToString(step)
		}
		return consignment.BitcoinAnchor{
			Kind: "taproot",
			Taproot: &consignment.TaprootAnchor{
				InternalKey:         hex.EncodeToString(p.Taproot.InternalKey[:]),
				MerklePath:          path,
				CommittedLeafScript: hex.EncodeToString(p.Taproot.CommittedLeafScript),
			},
		}
	case anchor.MethodDataCarrying:
		idx := p.DataCarrying.OutputIndex
		return consignment.BitcoinAnchor{Kind: "data_carrying", DataCarryingOutputIndex: &idx}
	default:
		return consignment.BitcoinAnchor{}
	}
}

// serializeTx hex-encodes tx's wire serialization for embedding raw into
// a consignment's witness_transactions list (spec.md §3/§4.8 step 4).
func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func hexID(b [32]byte) string { return hex.EncodeToString(b[:]) }

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("expected 32-byte hex, got %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func mustDecodeTxidHex(s string) [32]byte {
	out, err := decodeHash32(s)
	if err != nil {
		return [32]byte{}
	}
	return out
}

func chainhashToDisplay(h chainhash.Hash) [32]byte {
	// chainhash.Hash already stores internal (reversed) byte order; String()
	// reverses it back to display order the same way seal.Outpoint expects,
	// so round-trip through the display hex form rather than reinterpreting
	// the raw bytes under a different convention.
	var out [32]byte
	decoded, _ := hex.DecodeString(h.String())
	copy(out[:], decoded)
	return out
}
