// Package claimstore implements the witness-claim store (C5): a durable
// SQLite-backed log of pending/claimed/failed claims and accepted
// consignment files, fronted by an in-memory read-through cache.
package claimstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	_ "modernc.org/sqlite"
)

var log btclog.Logger = btclog.Disabled

// UseLogger installs logger as this package's sub-logger.
func UseLogger(logger btclog.Logger) { log = logger }

// Status is the lifecycle state of a pending claim (spec.md §3).
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusFailed  Status = "failed"
)

var (
	ErrSqlError         = errors.New("claimstore: sql error")
	ErrIoError          = errors.New("claimstore: io error")
	ErrSerializationErr = errors.New("claimstore: serialization error")
	ErrNotFound         = errors.New("claimstore: claim not found")
)

// Claim is a row in the claim store (spec.md §3 "Pending claim").
type Claim struct {
	ID                int64
	WitnessID         string
	RecipientAddress  string
	ExpectedVout      uint32
	ContractID        string
	ConsignmentFile   string
	Status            Status
	Error             string
	CreatedAt         time.Time
	ClaimedAt         *time.Time
	ActualTxid        string
	ActualVout        *uint32
	ConsecutiveErrors int
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_claims (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	witness_id         TEXT NOT NULL,
	recipient_address  TEXT NOT NULL,
	expected_vout      INTEGER NOT NULL,
	contract_id        TEXT NOT NULL,
	consignment_file   TEXT NOT NULL,
	status             TEXT NOT NULL CHECK(status IN ('pending','claimed','failed')),
	error              TEXT,
	created_at         TEXT NOT NULL,
	claimed_at         TEXT,
	actual_txid        TEXT,
	actual_vout        INTEGER,
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	UNIQUE(witness_id, contract_id)
);
CREATE INDEX IF NOT EXISTS idx_pending_claims_status ON pending_claims(status);
CREATE INDEX IF NOT EXISTS idx_pending_claims_contract ON pending_claims(contract_id);
CREATE INDEX IF NOT EXISTS idx_pending_claims_created ON pending_claims(created_at);

CREATE TABLE IF NOT EXISTS consignment_files (
	contract_id TEXT NOT NULL,
	file_path   TEXT NOT NULL UNIQUE,
	is_genesis  INTEGER NOT NULL,
	accepted_at TEXT NOT NULL
);
`

// Store is the SQLite-backed claim store with a write-through read cache.
// The SQL connection is exclusive to this Store instance (spec.md §5).
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string][]Claim // contract_id -> ordered claims, lazily populated
}

// Open opens (and, if needed, creates) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrSqlError, path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer, avoids SQLITE_BUSY under our single-process model

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing schema: %v", ErrSqlError, err)
	}

	return &Store{db: db, cache: make(map[string][]Claim)}, nil
}

// Close releases the underlying SQL connection.
func (s *Store) Close() error { return s.db.Close() }

// InvalidateCache drops every cached entry. Correctness never depends on
// the cache being warm; this is purely a performance escape hatch.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]Claim)
}

// InsertPendingClaim writes claim through a single SQL transaction, then
// mutates the cache only after the transaction commits.
func (s *Store) InsertPendingClaim(ctx context.Context, claim Claim) (int64, error) {
	claim.Status = StatusPending
	claim.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSqlError, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_claims
			(witness_id, recipient_address, expected_vout, contract_id,
			 consignment_file, status, error, created_at, claimed_at,
			 actual_txid, actual_vout, consecutive_errors)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?, ?, 0)`,
		claim.WitnessID, claim.RecipientAddress, claim.ExpectedVout, claim.ContractID,
		claim.ConsignmentFile, claim.Status, claim.CreatedAt.Format(time.RFC3339Nano),
		nullableString(claim.ActualTxid), nullableVout(claim.ActualVout))
	if err != nil {
		return 0, fmt.Errorf("%w: inserting pending claim: %v", ErrSqlError, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSqlError, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSqlError, err)
	}

	claim.ID = id
	s.mu.Lock()
	if cached, ok := s.cache[claim.ContractID]; ok {
		s.cache[claim.ContractID] = append(cached, claim)
	}
	s.mu.Unlock()

	return id, nil
}

// GetPendingClaims returns every claim in the Pending status for
// contractID, serving from cache when warm and lazily populating it
// otherwise.
func (s *Store) GetPendingClaims(ctx context.Context, contractID string) ([]Claim, error) {
	all, err := s.GetAllClaims(ctx, contractID)
	if err != nil {
		return nil, err
	}
	var pending []Claim
	for _, c := range all {
		if c.Status == StatusPending {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// GetAllClaims returns every claim for contractID, cache-first.
func (s *Store) GetAllClaims(ctx context.Context, contractID string) ([]Claim, error) {
	s.mu.RLock()
	if cached, ok := s.cache[contractID]; ok {
		defer s.mu.RUnlock()
		out := make([]Claim, len(cached))
		copy(out, cached)
		return out, nil
	}
	s.mu.RUnlock()

	claims, err := s.queryDatabase(ctx, contractID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[contractID] = claims
	s.mu.Unlock()

	out := make([]Claim, len(claims))
	copy(out, claims)
	return out, nil
}

func (s *Store) queryDatabase(ctx context.Context, contractID string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, witness_id, recipient_address, expected_vout, contract_id,
		       consignment_file, status, error, created_at, claimed_at,
		       actual_txid, actual_vout, consecutive_errors
		FROM pending_claims WHERE contract_id = ? ORDER BY id ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSqlError, err)
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var (
			c                         Claim
			errStr, claimedAt, txid   sql.NullString
			actualVout                sql.NullInt64
			createdAt                 string
		)
		if err := rows.Scan(&c.ID, &c.WitnessID, &c.RecipientAddress, &c.ExpectedVout,
			&c.ContractID, &c.ConsignmentFile, &c.Status, &errStr, &createdAt, &claimedAt,
			&txid, &actualVout, &c.ConsecutiveErrors); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %v", ErrSqlError, err)
		}

		c.Error = errStr.String
		c.ActualTxid = txid.String
		if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.CreatedAt = parsed
		}
		if claimedAt.Valid {
			if parsed, err := time.Parse(time.RFC3339Nano, claimedAt.String); err == nil {
				c.ClaimedAt = &parsed
			}
		}
		if actualVout.Valid {
			v := uint32(actualVout.Int64)
			c.ActualVout = &v
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// UpdateStatus transitions a claim's status, recording an error message on
// failure. The SQL write commits first, then the cache is mutated.
func (s *Store) UpdateStatus(ctx context.Context, id int64, contractID string, status Status, claimErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_claims SET status = ?, error = ?, consecutive_errors = consecutive_errors + 1 WHERE id = ?`,
		status, nullableString(claimErr), id)
	if err != nil {
		return fmt.Errorf("%w: updating status: %v", ErrSqlError, err)
	}
	s.mutateCached(contractID, id, func(c *Claim) {
		c.Status = status
		c.Error = claimErr
		c.ConsecutiveErrors++
	})
	return nil
}

// MarkClaimed transitions a row to Claimed and stamps claimed_at.
func (s *Store) MarkClaimed(ctx context.Context, id int64, contractID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_claims SET status = ?, claimed_at = ?, error = NULL WHERE id = ?`,
		StatusClaimed, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("%w: marking claimed: %v", ErrSqlError, err)
	}
	s.mutateCached(contractID, id, func(c *Claim) {
		c.Status = StatusClaimed
		c.ClaimedAt = &now
		c.Error = ""
	})
	return nil
}

// SetActualOutpoint records the (txid, vout) a pending claim resolved to,
// ahead of marking it Claimed. A claim inserted before its witness
// transaction was decodable (resolution failed at insert time) has no
// actual_txid/actual_vout until a later retry calls this.
func (s *Store) SetActualOutpoint(ctx context.Context, id int64, contractID, actualTxid string, actualVout uint32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_claims SET actual_txid = ?, actual_vout = ? WHERE id = ?`,
		actualTxid, actualVout, id)
	if err != nil {
		return fmt.Errorf("%w: setting actual outpoint: %v", ErrSqlError, err)
	}
	s.mutateCached(contractID, id, func(c *Claim) {
		c.ActualTxid = actualTxid
		vout := actualVout
		c.ActualVout = &vout
	})
	return nil
}

func (s *Store) mutateCached(contractID string, id int64, mutate func(*Claim)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cache[contractID] {
		if s.cache[contractID][i].ID == id {
			mutate(&s.cache[contractID][i])
			return
		}
	}
}

// GetClaimedUTXOs returns the (txid, vout) pairs of every Claimed row for
// contractID — the set U₂ the balance reconciler (C9) needs because the
// chain wallet cannot discover Method-A-anchored outputs on its own.
func (s *Store) GetClaimedUTXOs(ctx context.Context, contractID string) ([]Outpoint, error) {
	claims, err := s.GetAllClaims(ctx, contractID)
	if err != nil {
		return nil, err
	}
	var out []Outpoint
	for _, c := range claims {
		if c.Status == StatusClaimed && c.ActualTxid != "" && c.ActualVout != nil {
			out = append(out, Outpoint{Txid: c.ActualTxid, Vout: *c.ActualVout})
		}
	}
	return out, nil
}

// Outpoint is a minimal (txid, vout) pair as recorded in a claim row; the
// caller reconstructs a seal.Outpoint from it as needed.
type Outpoint struct {
	Txid string
	Vout uint32
}

// TrackConsignmentFile records an accepted consignment's file path.
func (s *Store) TrackConsignmentFile(ctx context.Context, contractID, filePath string, isGenesis bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO consignment_files (contract_id, file_path, is_genesis, accepted_at) VALUES (?, ?, ?, ?)`,
		contractID, filePath, isGenesis, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: tracking consignment file: %v", ErrSqlError, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableVout(v *uint32) any {
	if v == nil {
		return nil
	}
	return *v
}
