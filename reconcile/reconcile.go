// Package reconcile implements the balance reconciler (C9): periodic
// cross-checking of the wallet's locally tracked seal against the ledger's
// authoritative balance, and a sweep of any still-pending witness claims.
package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/f1r3fly-io/rgbcore/acceptance"
	"github.com/f1r3fly-io/rgbcore/claimstore"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/seal"
	"github.com/f1r3fly-io/rgbcore/walletiface"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

var log btclog.Logger = btclog.Disabled

// UseLogger installs logger as this package's sub-logger.
func UseLogger(logger btclog.Logger) { log = logger }

// Balance is the result of reconciling one contract's holdings: the
// ledger's authoritative amount summed over every candidate seal,
// alongside how many of the contract's claims are still unresolved.
type Balance struct {
	ContractID     string
	CurrentSeal    string
	LedgerAmount   uint64
	PendingClaims  int
	ResolvedClaims int
}

// Reconciler cross-checks locally tracked state against the ledger and
// the claim store for a set of contracts.
type Reconciler struct {
	Ledger     *ledger.Client
	ClaimStore *claimstore.Store
	State      *walletstate.Manager
	Wallet     walletiface.ChainWallet
	Acceptor   *acceptance.Acceptor
}

// Reconcile implements spec.md §4.9: union U₁ (the outpoints the chain
// wallet itself discovers via ListUnspent) with U₂ (the claim store's
// already-claimed witness outpoints, which Method-A anchoring hides from
// any plain UTXO scan) into the candidate seal set, sum each seal's
// get_balance() against the ledger, and report how many witness claims
// that union resolved versus are still pending.
func (r *Reconciler) Reconcile(ctx context.Context, contractID string) (*Balance, error) {
	contractHash, err := decodeHash32(contractID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: parsing contract id: %w", err)
	}

	sealIDs, err := r.candidateSeals(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if len(sealIDs) == 0 {
		return nil, fmt.Errorf("reconcile: no known seal or claimed outpoint for contract %s", contractID)
	}

	var total uint64
	for _, sealID := range sealIDs {
		raw, err := r.Ledger.QueryState(ctx, contractHash, "get_balance", map[string]any{"seal": sealID})
		if err != nil {
			return nil, fmt.Errorf("reconcile: querying ledger balance for seal %s: %w", sealID, err)
		}
		amount, err := decodeUint64(raw)
		if err != nil {
			return nil, fmt.Errorf("reconcile: decoding ledger balance: %w", err)
		}
		total += amount
	}

	currentSeal, _ := r.State.CurrentSeal(contractID)

	pending, err := r.ClaimStore.GetPendingClaims(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing pending claims: %w", err)
	}
	claimed, err := r.ClaimStore.GetClaimedUTXOs(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing claimed utxos: %w", err)
	}

	log.Debugf("reconciled contract %s: seal=%s ledger_amount=%d pending=%d claimed=%d",
		contractID, currentSeal, total, len(pending), len(claimed))

	return &Balance{
		ContractID:     contractID,
		CurrentSeal:    currentSeal,
		LedgerAmount:   total,
		PendingClaims:  len(pending),
		ResolvedClaims: len(claimed),
	}, nil
}

// candidateSeals computes U₁∪U₂ (spec.md §4.9): U₁ is every seal the chain
// wallet's own UTXO scan can see (an external recipient's outpoint, or any
// ordinary change output); U₂ is every seal this wallet has already
// resolved a witness claim into (a Method-A-anchored outpoint a plain UTXO
// scan would never surface on its own). Duplicates collapse since both
// sides are expressed as the same seal.EncodeSealID string.
func (r *Reconciler) candidateSeals(ctx context.Context, contractID string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string

	add := func(sealID string) {
		if _, ok := seen[sealID]; ok {
			return
		}
		seen[sealID] = struct{}{}
		out = append(out, sealID)
	}

	if r.Wallet != nil {
		utxos, err := r.Wallet.ListUnspent(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: listing unspent outputs: %w", err)
		}
		for _, u := range utxos {
			add(seal.EncodeSealID(u.Outpoint))
		}
	}

	claimed, err := r.ClaimStore.GetClaimedUTXOs(ctx, contractID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: listing claimed utxos: %w", err)
	}
	for _, c := range claimed {
		txid, err := decodeHash32(c.Txid)
		if err != nil {
			continue
		}
		add(seal.EncodeSealID(seal.Outpoint{Txid: txid, Vout: c.Vout}))
	}

	if len(out) == 0 {
		if current, ok := r.State.CurrentSeal(contractID); ok {
			add(current)
		}
	}

	return out, nil
}

// RetryContract re-attempts every pending witness claim for contractID
// against env's declared witness transactions, via the acceptor's shared
// retry-to-Failed policy (spec.md §4.8/§7).
func (r *Reconciler) RetryContract(ctx context.Context, contractID string, env consignment.Envelope) (int, error) {
	if r.Acceptor == nil {
		return 0, fmt.Errorf("reconcile: no acceptor configured")
	}
	return r.Acceptor.RetryPendingClaims(ctx, contractID, env)
}

func decodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("expected 32-byte hex, got %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func decodeUint64(raw json.RawMessage) (uint64, error) {
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// RunPeriodic drives fn on a fixed interval until ctx is cancelled,
// following the same lightningnetwork/lnd/ticker-based pacing the
// contract client uses to poll for finalization. Intended use: call
// Reconcile (or RetryContract, once the caller has a fresh consignment
// envelope to retry against) from fn on every tick.
func RunPeriodic(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	t := ticker.New(interval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Ticks():
			if err := fn(ctx); err != nil {
				log.Warnf("periodic reconciliation pass failed: %v", err)
			}
		}
	}
}
