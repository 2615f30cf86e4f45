// Package ledger implements the contract client (C4): a typed wrapper over
// the state-ledger RPC exposing deploy/invoke/query plus a finalization
// probe, with cooperative cancellation at every suspension point.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/ticker"
)

var log btclog.Logger = btclog.Disabled

// UseLogger installs logger as this package's sub-logger.
func UseLogger(logger btclog.Logger) { log = logger }

var (
	ErrLedgerUnavailable  = errors.New("ledger: unavailable")
	ErrDeploymentRejected = errors.New("ledger: deployment rejected")
	ErrFinalizationTimeout = errors.New("ledger: finalization timeout")
	ErrInvalidArguments   = errors.New("ledger: invalid arguments")
	ErrSignatureRejected  = errors.New("ledger: signature rejected by contract")
	ErrMethodNotFound     = errors.New("ledger: method not found")
	ErrInvalidResponse    = errors.New("ledger: invalid response")
)

// ExecutionProof is the immutable record the ledger returns for every
// mutating call (spec.md §3 "Execution proof").
type ExecutionProof struct {
	Opid               [32]byte
	DeployID           string
	FinalizedBlockHash string
	StateHash          [32]byte
	Source             string
}

// Config parameterizes the RPC connection: host, grpc/http ports, and the
// master secret used to authenticate deploys. No global state is kept
// outside this struct (spec.md §6.3).
type Config struct {
	Host            string
	GRPCPort        int
	HTTPPort        int
	MasterSecretHex string

	// PollInterval controls how often a mutating call polls for
	// finalization. Defaults to 500ms when zero.
	PollInterval time.Duration
	// FinalizationTimeout bounds how long a mutating call waits for
	// finalization before returning ErrFinalizationTimeout. Defaults to
	// 2 minutes when zero.
	FinalizationTimeout time.Duration
}

// Client is a typed wrapper over the state ledger's HTTP RPC surface.
type Client struct {
	cfg Config
	hc  *http.Client
}

// New builds a Client. Connection parameters are supplied at construction
// per spec.md §6.3; nothing is read from global/package state.
func New(cfg Config) *Client {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.FinalizationTimeout == 0 {
		cfg.FinalizationTimeout = 2 * time.Minute
	}
	return &Client{cfg: cfg, hc: &http.Client{Timeout: 30 * time.Second}}
}

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("http://%s:%d/rpc", c.cfg.Host, c.cfg.HTTPPort)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding params: %v", ErrInvalidArguments, err)
	}

	requestID := uuid.NewString()
	body, err := json.Marshal(rpcRequest{ID: requestID, Method: method, Params: encodedParams})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrInvalidArguments, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		log.Debugf("rpc %s (id=%s) failed: %v", method, requestID, err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: method %q", ErrMethodNotFound, method)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if decoded.Error != nil {
		log.Debugf("rpc %s (id=%s) rejected: %s", method, requestID, *decoded.Error)
		return nil, classifyRPCError(*decoded.Error)
	}
	return decoded.Result, nil
}

// classifyRPCError maps the ledger's reported error string onto one of the
// sentinel kinds this package exposes.
func classifyRPCError(msg string) error {
	switch {
	case contains(msg, "signature"):
		return fmt.Errorf("%w: %s", ErrSignatureRejected, msg)
	case contains(msg, "rejected"), contains(msg, "deploy"):
		return fmt.Errorf("%w: %s", ErrDeploymentRejected, msg)
	case contains(msg, "argument"):
		return fmt.Errorf("%w: %s", ErrInvalidArguments, msg)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidResponse, msg)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

type deployResult struct {
	ContractID string         `json:"contract_id"`
	Proof      proofOnWire    `json:"proof"`
}

type proofOnWire struct {
	Opid               string `json:"opid"`
	DeployID           string `json:"deploy_id"`
	FinalizedBlockHash string `json:"finalized_block_hash"`
	StateHash          string `json:"state_hash"`
	Source             string `json:"source"`
}

// DeployContract posts a deployment and blocks until the ledger reports
// its block finalized, per spec.md §4.4.
func (c *Client) DeployContract(ctx context.Context, source string, params map[string]any) ([32]byte, ExecutionProof, error) {
	result, err := c.call(ctx, "deploy_contract", map[string]any{
		"source":            source,
		"params":            params,
		"master_secret_hex": c.cfg.MasterSecretHex,
	})
	if err != nil {
		return [32]byte{}, ExecutionProof{}, err
	}

	var decoded deployResult
	if err := json.Unmarshal(result, &decoded); err != nil {
		return [32]byte{}, ExecutionProof{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	contractID, err := decodeHash32(decoded.ContractID)
	if err != nil {
		return [32]byte{}, ExecutionProof{}, fmt.Errorf("%w: contract_id: %v", ErrInvalidResponse, err)
	}
	proof, err := decoded.Proof.toProof()
	if err != nil {
		return [32]byte{}, ExecutionProof{}, err
	}

	if err := c.waitForFinalization(ctx, proof.FinalizedBlockHash); err != nil {
		return [32]byte{}, ExecutionProof{}, err
	}
	return contractID, proof, nil
}

// CallMethod posts a mutating call and blocks until finalized.
func (c *Client) CallMethod(ctx context.Context, contractID [32]byte, method string, args map[string]any) (ExecutionProof, error) {
	result, err := c.call(ctx, "call_method", map[string]any{
		"contract_id": hexEncode(contractID),
		"method":      method,
		"args":        args,
	})
	if err != nil {
		return ExecutionProof{}, err
	}

	var wire proofOnWire
	if err := json.Unmarshal(result, &wire); err != nil {
		return ExecutionProof{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	proof, err := wire.toProof()
	if err != nil {
		return ExecutionProof{}, err
	}
	if err := c.waitForFinalization(ctx, proof.FinalizedBlockHash); err != nil {
		return ExecutionProof{}, err
	}
	return proof, nil
}

// QueryState invokes a non-mutating pure method; no finalization wait.
func (c *Client) QueryState(ctx context.Context, contractID [32]byte, method string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "query_state", map[string]any{
		"contract_id": hexEncode(contractID),
		"method":      method,
		"args":        args,
	})
}

// RegisterContract is a side-effect-free cache population call so
// subsequent queries know the registry URI.
func (c *Client) RegisterContract(ctx context.Context, contractID [32]byte, registryURI string) error {
	_, err := c.call(ctx, "register_contract", map[string]any{
		"contract_id":  hexEncode(contractID),
		"registry_uri": registryURI,
	})
	return err
}

// IsBlockFinalized probes whether the ledger has committed blockHash to
// its finalized suffix.
func (c *Client) IsBlockFinalized(ctx context.Context, blockHash string) (bool, error) {
	result, err := c.call(ctx, "is_block_finalized", map[string]any{"block_hash": blockHash})
	if err != nil {
		return false, err
	}
	var finalized bool
	if err := json.Unmarshal(result, &finalized); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return finalized, nil
}

// waitForFinalization polls IsBlockFinalized on a ticker until it returns
// true, ctx is cancelled, or the configured timeout elapses. Cancellation
// is cooperative: every tick checks ctx.Done() first.
func (c *Client) waitForFinalization(ctx context.Context, blockHash string) error {
	deadline := time.Now().Add(c.cfg.FinalizationTimeout)

	t := ticker.New(c.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Ticks():
			finalized, err := c.IsBlockFinalized(ctx, blockHash)
			if err != nil {
				log.Warnf("finalization poll failed for block %s: %v", blockHash, err)
			} else if finalized {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: block %s not finalized after %s", ErrFinalizationTimeout, blockHash, c.cfg.FinalizationTimeout)
			}
		}
	}
}

func (p proofOnWire) toProof() (ExecutionProof, error) {
	opid, err := decodeHash32(p.Opid)
	if err != nil {
		return ExecutionProof{}, fmt.Errorf("%w: opid: %v", ErrInvalidResponse, err)
	}
	stateHash, err := decodeHash32(p.StateHash)
	if err != nil {
		return ExecutionProof{}, fmt.Errorf("%w: state_hash: %v", ErrInvalidResponse, err)
	}
	return ExecutionProof{
		Opid:               opid,
		DeployID:           p.DeployID,
		FinalizedBlockHash: p.FinalizedBlockHash,
		StateHash:          stateHash,
		Source:             p.Source,
	}, nil
}
