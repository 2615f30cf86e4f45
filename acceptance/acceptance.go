// Package acceptance implements the consignment validator and acceptor
// (C8): the ten-step check spec.md §4.8 describes for turning an incoming
// consignment envelope into either an immediately-claimed seal (external
// recipient) or a pending claim awaiting its witness transaction
// (witness recipient).
package acceptance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btclog"

	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/f1r3fly-io/rgbcore/claimstore"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/seal"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

var log btclog.Logger = btclog.Disabled

// UseLogger installs logger as this package's sub-logger.
func UseLogger(logger btclog.Logger) { log = logger }

var (
	// ErrUnknownContract is step 2's failure: a non-genesis consignment
	// naming a contract this wallet has no local record of, per invariant
	// I4 (a transfer consignment MUST reference an already-known
	// contract; only a genesis consignment may introduce one).
	ErrUnknownContract = errors.New("acceptance: unknown contract for non-genesis consignment")
	// ErrContractAlreadyExists is the mirror case: a genesis consignment
	// naming a contract ID this wallet already has a record for.
	ErrContractAlreadyExists = errors.New("acceptance: contract already exists for genesis consignment")
	// ErrProofMismatch is step 5's failure: the ledger does not report the
	// block named by the consignment's execution proof as finalized.
	ErrProofMismatch = errors.New("acceptance: execution proof does not match ledger record")
	// ErrCommitmentMismatch is step 3/6's failure: the anchor transaction
	// does not commit to the state hash the execution proof names.
	ErrCommitmentMismatch = errors.New("acceptance: anchor commitment does not match execution proof")
	// ErrWitnessTxNotFound covers step 4: none of the consignment's
	// declared witness transactions could be decoded.
	ErrWitnessTxNotFound = errors.New("acceptance: witness transaction not found")
	ErrMaxRetriesExceeded = errors.New("acceptance: claim retry budget exhausted")
	// ErrMetadataMismatch is step 7's failure: the ledger's own
	// getMetadata() disagrees with the metadata carried in the
	// consignment.
	ErrMetadataMismatch = errors.New("acceptance: contract metadata does not match consignment")
)

// MaxClaimRetries is the default N in spec.md §4.8/§7: a pending claim
// transitions to Failed after this many consecutive unsuccessful
// auto-claim attempts, unless Acceptor.MaxRetries overrides it.
const MaxClaimRetries = 10

// Acceptor wires the collaborators the ten-step algorithm needs.
type Acceptor struct {
	Ledger     *ledger.Client
	ClaimStore *claimstore.Store
	State      *walletstate.Manager
	// MaxRetries overrides MaxClaimRetries when positive (wired from
	// config.ClaimConfig.MaxRetries, spec.md §7 I9).
	MaxRetries int
}

// maxRetries returns the configured retry budget, falling back to
// MaxClaimRetries when Acceptor was built without one.
func (a *Acceptor) maxRetries() int {
	if a.MaxRetries > 0 {
		return a.MaxRetries
	}
	return MaxClaimRetries
}

// Outcome reports how Accept resolved a consignment.
type Outcome struct {
	ContractID string
	IsGenesis  bool
	// Claimed is true when the recipient seal was resolved and recorded
	// immediately (a genesis consignment, a transfer to an external seal,
	// or a transfer to a witness seal whose outpoint resolves from the
	// consignment's own witness transactions). It is false when the
	// witness claim could not be resolved and stays pending.
	Claimed bool
	SealID  string
}

// Accept runs spec.md §4.8's ten-step validator+acceptor over env.
//
//  1. parse/deserialize (already done by the caller via consignment.Unmarshal)
//  2. genesis/non-genesis dichotomy against local contract records (I4)
//  3. genesis: skip the commitment check entirely (spec.md §9); transfer: continue
//  4. decode the declared witness transaction(s) directly from the consignment
//  5. ask the ledger whether the execution proof's block is finalized
//  6. recompute the anchor commitment from the decoded transaction and compare
//  7. register the contract and cross-check the ledger's getMetadata() against
//     the metadata the consignment carries
//  8. for a witness-seal recipient: insert a pending claim and immediately
//     attempt to resolve it (this IS the resolution path this system uses,
//     since no other call site performs the insert)
//  9. for an external-seal recipient: the seal is already fully known — record it directly
//  10. track the accepted consignment file, then persist state through C10
func (a *Acceptor) Accept(ctx context.Context, env consignment.Envelope, consignmentPath string) (*Outcome, error) {
	if err := a.checkDichotomy(env); err != nil {
		return nil, err
	}

	var witnessTx *fetchedTx
	if !env.IsGenesis {
		// step 4
		tx, err := a.fetchWitnessTransaction(env)
		if err != nil {
			return nil, err
		}
		witnessTx = tx

		// step 5
		if err := a.checkExecutionProof(ctx, env); err != nil {
			return nil, err
		}

		// step 6 (step 3 is this branch: genesis skips it entirely)
		if err := a.checkCommitment(env, witnessTx); err != nil {
			return nil, err
		}
	}

	// step 7 (register + getMetadata cross-check): runs
	// for both genesis and transfer consignments, since a genesis
	// consignment is a recipient's first introduction to the contract and
	// has nothing else locally to check against.
	if err := a.checkMetadata(ctx, env); err != nil {
		return nil, err
	}

	outcome := &Outcome{ContractID: env.ContractID, IsGenesis: env.IsGenesis}

	if env.IsGenesis {
		if err := a.acceptGenesis(env); err != nil {
			return nil, err
		}
		outcome.Claimed = true
	} else if env.WitnessSeal != nil {
		// steps 8-9
		resolved, err := a.acceptWitnessRecipient(ctx, env, consignmentPath)
		if err != nil {
			return nil, err
		}
		outcome.Claimed = resolved != ""
		outcome.SealID = resolved
	} else {
		// step 9
		sealID, err := a.acceptExternalRecipient(env)
		if err != nil {
			return nil, err
		}
		outcome.Claimed = true
		outcome.SealID = sealID
	}

	// step 10
	if err := a.ClaimStore.TrackConsignmentFile(ctx, env.ContractID, consignmentPath, env.IsGenesis); err != nil {
		return nil, fmt.Errorf("acceptance: tracking consignment file: %w", err)
	}

	if err := a.State.SaveState(); err != nil {
		return nil, fmt.Errorf("acceptance: persisting state: %w", err)
	}

	log.Infof("accepted consignment for contract %s (genesis=%v claimed=%v)", env.ContractID, env.IsGenesis, outcome.Claimed)
	return outcome, nil
}

// checkDichotomy implements step 2 / invariant I4.
func (a *Acceptor) checkDichotomy(env consignment.Envelope) error {
	exists := a.State.ContractExists(env.ContractID)
	if env.IsGenesis && exists {
		return fmt.Errorf("%w: %s", ErrContractAlreadyExists, env.ContractID)
	}
	if !env.IsGenesis && !exists {
		return fmt.Errorf("%w: %s", ErrUnknownContract, env.ContractID)
	}
	return nil
}

type fetchedTx struct {
	txid string
	raw  any // *wire.MsgTx, kept as any so this file does not need to import wire directly
}

// fetchWitnessTransaction implements step 4: decode the first declared
// witness transaction directly from the consignment's raw bytes. Nothing
// here touches the chain — that is the point (S3: Bob validates before
// the anchor transaction confirms or is otherwise fetchable).
func (a *Acceptor) fetchWitnessTransaction(env consignment.Envelope) (*fetchedTx, error) {
	for _, rawHex := range env.WitnessTransactions {
		tx, err := decodeRawTx(rawHex)
		if err != nil {
			continue
		}
		return &fetchedTx{txid: tx.TxHash().String(), raw: tx}, nil
	}
	return nil, fmt.Errorf("%w: tried %d candidate(s)", ErrWitnessTxNotFound, len(env.WitnessTransactions))
}

// checkExecutionProof implements step 5: the ledger must report the block
// named by the consignment's execution proof as finalized, guarding
// against a consignment describing a call that never actually finalized.
func (a *Acceptor) checkExecutionProof(ctx context.Context, env consignment.Envelope) error {
	if _, err := decodeHash32(env.ContractID); err != nil {
		return fmt.Errorf("acceptance: parsing contract id: %w", err)
	}
	finalized, err := a.Ledger.IsBlockFinalized(ctx, env.ExecutionProof.FinalizedBlockHash)
	if err != nil {
		return fmt.Errorf("acceptance: checking finalization: %w", err)
	}
	if !finalized {
		return fmt.Errorf("%w: block %s not finalized", ErrProofMismatch, env.ExecutionProof.FinalizedBlockHash)
	}
	return nil
}

// checkCommitment implements step 6: recompute the anchor commitment from
// the fetched transaction using the consignment's declared proof and
// compare the recovered state hash against the execution proof's.
func (a *Acceptor) checkCommitment(env consignment.Envelope, tx *fetchedTx) error {
	proof, outputIndex, err := decodeAnchorProof(env.BitcoinAnchor)
	if err != nil {
		return err
	}
	wireTx, err := asMsgTx(tx.raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommitmentMismatch, err)
	}
	recovered, err := anchor.Extract(proof, wireTx, outputIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommitmentMismatch, err)
	}
	want, err := decodeHash32(env.ExecutionProof.StateHash)
	if err != nil {
		return fmt.Errorf("acceptance: parsing execution proof state hash: %w", err)
	}
	if recovered != want {
		return fmt.Errorf("%w: recovered %x, want %x", ErrCommitmentMismatch, recovered, want)
	}
	return nil
}

// metadataWire is getMetadata()'s pure-function response shape
// (spec.md §4.4).
type metadataWire struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Supply   uint64 `json:"supply"`
	Decimals uint8  `json:"decimals"`
}

// checkMetadata implements step 7: register the contract with the ledger
// using the metadata the consignment carries, then verify the ledger's
// own getMetadata() agrees with it. Mismatch is fatal.
func (a *Acceptor) checkMetadata(ctx context.Context, env consignment.Envelope) error {
	contractID, err := decodeHash32(env.ContractID)
	if err != nil {
		return fmt.Errorf("acceptance: parsing contract id: %w", err)
	}
	if err := a.Ledger.RegisterContract(ctx, contractID, env.Contract.RegistryURI); err != nil {
		return fmt.Errorf("acceptance: registering contract: %w", err)
	}
	raw, err := a.Ledger.QueryState(ctx, contractID, "get_metadata", nil)
	if err != nil {
		return fmt.Errorf("acceptance: querying contract metadata: %w", err)
	}
	var got metadataWire
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("acceptance: decoding contract metadata: %w", err)
	}
	if got.Ticker != env.Contract.Ticker || got.Name != env.Contract.Name ||
		got.Supply != env.Contract.Supply || got.Decimals != env.Contract.Decimals {
		return fmt.Errorf("%w: ledger reports ticker=%q name=%q supply=%d decimals=%d, consignment carries ticker=%q name=%q supply=%d decimals=%d",
			ErrMetadataMismatch, got.Ticker, got.Name, got.Supply, got.Decimals,
			env.Contract.Ticker, env.Contract.Name, env.Contract.Supply, env.Contract.Decimals)
	}
	return nil
}

// acceptGenesis is the genesis counterpart of steps 8-9: record the
// contract's metadata and genesis outpoint locally.
func (a *Acceptor) acceptGenesis(env consignment.Envelope) error {
	a.State.SetContractMetadata(env.Contract)

	for _, ref := range env.Seals {
		if ref.Kind == "external" && ref.Outpoint != nil {
			genesisSealID := seal.EncodeSealID(seal.Outpoint{
				Txid: mustDecodeHash32(ref.Outpoint.Txid),
				Vout: ref.Outpoint.Vout,
			})
			a.State.MarkOccupied(genesisSealID)
		}
	}
	return nil
}

// acceptExternalRecipient implements step 9: the recipient's seal is a
// fully known outpoint already; record it as RGB-occupied and as this
// wallet's current seal for the contract.
func (a *Acceptor) acceptExternalRecipient(env consignment.Envelope) (string, error) {
	for _, ref := range env.Seals {
		if ref.Kind != "external" || ref.Outpoint == nil {
			continue
		}
		sealID := seal.EncodeSealID(seal.Outpoint{Txid: mustDecodeHash32(ref.Outpoint.Txid), Vout: ref.Outpoint.Vout})
		a.State.MarkOccupied(sealID)
		a.State.SetCurrentSeal(env.ContractID, sealID)
		return sealID, nil
	}
	return "", fmt.Errorf("acceptance: no external seal found in consignment for contract %s", env.ContractID)
}

// acceptWitnessRecipient implements steps 8-9: resolve the witness tx
// carried in the consignment into an actual (txid, vout), insert a
// pending claim row with those actual values populated (spec.md §4.8
// step 7, invariant I1), then immediately attempt the claim. Per the
// resolved Open Question in DESIGN.md, this acceptor is the only call
// site that performs the insert — spec.md §4.8 describes both the insert
// and the first claim attempt as part of accepting the same consignment.
func (a *Acceptor) acceptWitnessRecipient(ctx context.Context, env consignment.Envelope, consignmentPath string) (string, error) {
	ws := env.WitnessSeal

	sealID, actualTxid, actualVout, resolveErr := a.resolveWitnessFromEnvelope(env, ws)

	claim := claimstore.Claim{
		WitnessID:        ws.WitnessID,
		RecipientAddress: ws.RecipientAddress,
		ExpectedVout:     ws.ExpectedVout,
		ContractID:       env.ContractID,
		ConsignmentFile:  consignmentPath,
	}
	if resolveErr == nil {
		claim.ActualTxid = actualTxid
		claim.ActualVout = &actualVout
	}

	id, err := a.ClaimStore.InsertPendingClaim(ctx, claim)
	if err != nil {
		return "", fmt.Errorf("acceptance: inserting pending claim: %w", err)
	}

	if resolveErr != nil {
		if updErr := a.ClaimStore.UpdateStatus(ctx, id, env.ContractID, claimstore.StatusPending, resolveErr.Error()); updErr != nil {
			log.Warnf("recording claim resolution failure: %v", updErr)
		}
		log.Debugf("witness claim %d not yet resolvable: %v", id, resolveErr)
		return "", nil
	}

	if err := a.ClaimStore.MarkClaimed(ctx, id, env.ContractID); err != nil {
		return "", fmt.Errorf("acceptance: marking claim resolved: %w", err)
	}
	a.State.MarkOccupied(sealID)
	a.State.SetCurrentSeal(env.ContractID, sealID)
	log.Infof("auto-claimed witness %s as seal %s (txid %s)", ws.WitnessID, sealID, actualTxid)
	return sealID, nil
}

// resolveWitnessFromEnvelope looks among env's declared witness
// transactions for one whose output count covers ws's expected vout,
// returning the resulting seal identifier, the witness tx's own txid,
// and that vout — all derived from the consignment's raw bytes, with no
// chain lookup involved.
func (a *Acceptor) resolveWitnessFromEnvelope(env consignment.Envelope, ws *consignment.WitnessSealMapping) (sealID, actualTxid string, actualVout uint32, err error) {
	for _, rawHex := range env.WitnessTransactions {
		tx, decodeErr := decodeRawTx(rawHex)
		if decodeErr != nil {
			continue
		}
		if int(ws.ExpectedVout) >= len(outputsOf(tx)) {
			continue
		}
		txid := tx.TxHash().String()
		id := seal.EncodeSealID(seal.Outpoint{Txid: mustDecodeHash32(txid), Vout: ws.ExpectedVout})
		return id, txid, ws.ExpectedVout, nil
	}
	return "", "", 0, fmt.Errorf("acceptance: no witness transaction in consignment confirms %s", ws.WitnessID)
}

// RetryPendingClaims re-attempts every still-Pending claim for
// contractID, transitioning a claim to Failed once it has accumulated
// the configured retry budget (maxRetries: Acceptor.MaxRetries, or
// MaxClaimRetries by default) of consecutive failures (spec.md §4.8/§7). This is the
// mechanism the balance reconciler's periodic pass (C9) drives.
func (a *Acceptor) RetryPendingClaims(ctx context.Context, contractID string, env consignment.Envelope) (int, error) {
	pending, err := a.ClaimStore.GetPendingClaims(ctx, contractID)
	if err != nil {
		return 0, fmt.Errorf("acceptance: listing pending claims: %w", err)
	}

	resolvedCount := 0
	for _, claim := range pending {
		ws := &consignment.WitnessSealMapping{
			WitnessID:        claim.WitnessID,
			RecipientAddress: claim.RecipientAddress,
			ExpectedVout:     claim.ExpectedVout,
		}
		sealID, txid, actualVout, err := a.resolveWitnessFromEnvelope(env, ws)
		if err != nil {
			if claim.ConsecutiveErrors+1 >= a.maxRetries() {
				if updErr := a.ClaimStore.UpdateStatus(ctx, claim.ID, contractID, claimstore.StatusFailed, ErrMaxRetriesExceeded.Error()); updErr != nil {
					return resolvedCount, updErr
				}
				continue
			}
			if updErr := a.ClaimStore.UpdateStatus(ctx, claim.ID, contractID, claimstore.StatusPending, err.Error()); updErr != nil {
				return resolvedCount, updErr
			}
			continue
		}

		if err := a.ClaimStore.SetActualOutpoint(ctx, claim.ID, contractID, txid, actualVout); err != nil {
			return resolvedCount, err
		}
		if err := a.ClaimStore.MarkClaimed(ctx, claim.ID, contractID); err != nil {
			return resolvedCount, err
		}
		a.State.MarkOccupied(sealID)
		a.State.SetCurrentSeal(contractID, sealID)
		resolvedCount++
		log.Infof("retry-resolved claim %d as seal %s (txid %s)", claim.ID, sealID, txid)
	}
	return resolvedCount, nil
}
