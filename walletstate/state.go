// Package walletstate implements the contract-state manager (C10): the
// mutable per-wallet RGB-core state (contract metadata cache, genesis-UTXO
// records, per-contract derivation indices, anchor tracker, and the set of
// RGB-occupied outpoints excluded from plain bitcoin coin selection),
// persisted atomically as a single artifact.
package walletstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/internal/atomicfile"
	"golang.org/x/exp/maps"
)

var (
	ErrIoError          = errors.New("walletstate: io error")
	ErrSerializationErr = errors.New("walletstate: serialization error")
)

// GenesisRecord is the per-contract issuance record (spec.md §3).
type GenesisRecord struct {
	Ticker         string                     `json:"ticker"`
	Name           string                     `json:"name"`
	Supply         uint64                     `json:"supply"`
	Decimals       uint8                      `json:"decimals"`
	Outpoint       consignment.OutpointRef    `json:"outpoint"`
	ExecutionProof consignment.ExecutionProof `json:"execution_proof"`
}

// rgbState is the on-disk shape of the single persisted artifact
// (spec.md §3 "RGB-core state", §6.5 f1r3fly_state.json).
type rgbState struct {
	NextDerivationIndex      uint32                                `json:"next_derivation_index"`
	ContractsMetadata        map[string]consignment.ContractMetadata `json:"contracts_metadata"`
	GenesisUTXOs             map[string]GenesisRecord              `json:"genesis_utxos"`
	ContractDerivationIndices map[string]uint32                    `json:"contract_derivation_indices"`
	AnchorTracker            map[string]consignment.BitcoinAnchor  `json:"anchor_tracker"`
	OccupiedOutpoints        map[string]bool                       `json:"occupied_outpoints"`
	CurrentSeal              map[string]string                    `json:"current_seal"`
}

func newState() rgbState {
	return rgbState{
		ContractsMetadata:         make(map[string]consignment.ContractMetadata),
		GenesisUTXOs:              make(map[string]GenesisRecord),
		ContractDerivationIndices: make(map[string]uint32),
		AnchorTracker:             make(map[string]consignment.BitcoinAnchor),
		OccupiedOutpoints:         make(map[string]bool),
		CurrentSeal:               make(map[string]string),
	}
}

// Manager holds the in-memory RGB-core state and persists it atomically.
// The state artifact is exclusive to one running wallet process
// (spec.md §5); Manager does not itself enforce that, matching the
// collaborator-supplied single-process assumption the spec states.
type Manager struct {
	path string

	mu    sync.RWMutex
	state rgbState
}

// Load reads the artifact at path, or returns an empty Manager if it does
// not exist yet — load is lazy; a fresh wallet writes on first mutation.
func Load(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manager{path: path, state: newState()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrIoError, path, err)
	}

	var state rgbState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrSerializationErr, path, err)
	}
	if state.ContractsMetadata == nil {
		state.ContractsMetadata = make(map[string]consignment.ContractMetadata)
	}
	if state.GenesisUTXOs == nil {
		state.GenesisUTXOs = make(map[string]GenesisRecord)
	}
	if state.ContractDerivationIndices == nil {
		state.ContractDerivationIndices = make(map[string]uint32)
	}
	if state.AnchorTracker == nil {
		state.AnchorTracker = make(map[string]consignment.BitcoinAnchor)
	}
	if state.OccupiedOutpoints == nil {
		state.OccupiedOutpoints = make(map[string]bool)
	}
	if state.CurrentSeal == nil {
		state.CurrentSeal = make(map[string]string)
	}

	return &Manager{path: path, state: state}, nil
}

// SaveState persists the current in-memory state atomically (write-temp,
// fsync, rename). Callers MUST call this after any mutation the user
// expects to survive a crash.
func (m *Manager) SaveState() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationErr, err)
	}
	if err := atomicfile.Write(m.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return nil
}

// NextDerivationIndex returns the next unused derivation index WITHOUT
// consuming it.
func (m *Manager) NextDerivationIndex() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.NextDerivationIndex
}

// TakeDerivationIndex returns the current index and advances it by one.
// Per invariant I2, callers MUST snapshot this value BEFORE the deploy/
// signing operation it authorizes, since this call is what increments it.
func (m *Manager) TakeDerivationIndex() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.state.NextDerivationIndex
	m.state.NextDerivationIndex++
	return k
}

// SetContractDerivationIndex records the derivation index in use at the
// moment a contract was deployed (invariant I2: the index BEFORE, not
// after).
func (m *Manager) SetContractDerivationIndex(contractID string, index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ContractDerivationIndices[contractID] = index
}

// ContractDerivationIndex returns the derivation index for contractID and
// whether it was found.
func (m *Manager) ContractDerivationIndex(contractID string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.state.ContractDerivationIndices[contractID]
	return idx, ok
}

// SetContractMetadata stores (or replaces) the cached metadata for a
// contract.
func (m *Manager) SetContractMetadata(meta consignment.ContractMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ContractsMetadata[meta.ContractID] = meta
}

// ContractMetadata returns the cached metadata for contractID.
func (m *Manager) ContractMetadata(contractID string) (consignment.ContractMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.state.ContractsMetadata[contractID]
	return meta, ok
}

// ContractExists reports whether contractID is known locally, used by C8's
// genesis/non-genesis dichotomy check (invariant I4).
func (m *Manager) ContractExists(contractID string) bool {
	_, ok := m.ContractMetadata(contractID)
	return ok
}

// SetGenesisRecord stores the genesis record for a freshly issued
// contract.
func (m *Manager) SetGenesisRecord(contractID string, rec GenesisRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.GenesisUTXOs[contractID] = rec
}

// GenesisRecord returns the genesis record for contractID.
func (m *Manager) GenesisRecord(contractID string) (GenesisRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.state.GenesisUTXOs[contractID]
	return rec, ok
}

// RegisterAnchor stores an anchor proof keyed by opid, per the design
// note in spec.md §9: store the proof once, reference it by opid
// everywhere else to avoid a cycle between the tracker and the
// consignment.
func (m *Manager) RegisterAnchor(opidHex string, anchor consignment.BitcoinAnchor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AnchorTracker[opidHex] = anchor
}

// Anchor returns the anchor proof registered under opidHex.
func (m *Manager) Anchor(opidHex string) (consignment.BitcoinAnchor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	anchor, ok := m.state.AnchorTracker[opidHex]
	return anchor, ok
}

// MarkOccupied records sealID as RGB-occupied: excluded from input
// selection in every subsequent chain transaction (invariant I3).
func (m *Manager) MarkOccupied(sealID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.OccupiedOutpoints[sealID] = true
}

// IsOccupied reports whether sealID is RGB-occupied.
func (m *Manager) IsOccupied(sealID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.OccupiedOutpoints[sealID]
}

// OccupiedOutpoints returns a snapshot of every RGB-occupied seal
// identifier, for handing to the chain wallet's coin selector as an
// exclusion set.
func (m *Manager) OccupiedOutpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Keys(m.state.OccupiedOutpoints)
}

// SetCurrentSeal records the seal identifier this wallet currently
// controls for contractID: the genesis outpoint until the first outbound
// transfer, then each transfer's change seal thereafter.
func (m *Manager) SetCurrentSeal(contractID, sealID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentSeal[contractID] = sealID
}

// CurrentSeal returns the seal identifier this wallet currently controls
// for contractID, if any.
func (m *Manager) CurrentSeal(contractID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.state.CurrentSeal[contractID]
	return id, ok
}
