// Command rgbwalletd wires together the wallet core components (seal,
// anchor, authz, ledger, claimstore, consignment, transfer, acceptance,
// reconcile, walletstate) behind a small cobra CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/spf13/cobra"

	"github.com/f1r3fly-io/rgbcore/acceptance"
	"github.com/f1r3fly-io/rgbcore/anchor"
	"github.com/f1r3fly-io/rgbcore/authz"
	"github.com/f1r3fly-io/rgbcore/claimstore"
	"github.com/f1r3fly-io/rgbcore/config"
	"github.com/f1r3fly-io/rgbcore/consignment"
	"github.com/f1r3fly-io/rgbcore/ledger"
	"github.com/f1r3fly-io/rgbcore/reconcile"
	"github.com/f1r3fly-io/rgbcore/transfer"
	"github.com/f1r3fly-io/rgbcore/walletiface"
	"github.com/f1r3fly-io/rgbcore/walletstate"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{Use: "rgbwalletd"}
	root.AddCommand(issueCmd())
	root.AddCommand(transferCmd())
	root.AddCommand(acceptCmd())
	root.AddCommand(reconcileCmd())
	return root
}

// deps bundles the components every subcommand needs, built once from
// config.Load() per invocation.
type deps struct {
	cfg        *config.Config
	state      *walletstate.Manager
	store      *claimstore.Store
	ledger     *ledger.Client
	signer     *authz.Signer
	wallet     walletiface.ChainWallet
	bridge     walletiface.ChainBridge
	engine     *transfer.Engine
	acceptor   *acceptance.Acceptor
	reconciler *reconcile.Reconciler
}

func setupLogging() btclog.Logger {
	backend := btclog.NewBackend(os.Stderr)
	logger := backend.Logger("RGBW")
	logger.SetLevel(btclog.LevelInfo)

	transfer.UseLogger(backend.Logger("XFER"))
	acceptance.UseLogger(backend.Logger("ACPT"))
	ledger.UseLogger(backend.Logger("LDGR"))
	reconcile.UseLogger(backend.Logger("RCNC"))
	claimstore.UseLogger(backend.Logger("CLMS"))

	return logger
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("rgbwalletd: loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.Wallet.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("rgbwalletd: creating wallet dir: %w", err)
	}

	state, err := walletstate.Load(filepath.Join(cfg.Wallet.DataDir, "f1r3fly_state.json"))
	if err != nil {
		return nil, fmt.Errorf("rgbwalletd: loading wallet state: %w", err)
	}

	store, err := claimstore.Open(filepath.Join(cfg.Wallet.DataDir, "claims.db"))
	if err != nil {
		return nil, fmt.Errorf("rgbwalletd: opening claim store: %w", err)
	}

	client := ledger.New(ledger.Config{
		Host:                cfg.Ledger.Host,
		GRPCPort:            cfg.Ledger.GRPCPort,
		HTTPPort:            cfg.Ledger.HTTPPort,
		MasterSecretHex:     cfg.Ledger.MasterSecretHex,
		PollInterval:        cfg.Ledger.PollInterval,
		FinalizationTimeout: cfg.Ledger.FinalizationTimeout,
	})

	masterSeed := make([]byte, 32)
	signer, err := authz.NewSigner(masterSeed, &chaincfg.RegressionNetParams)
	if err != nil {
		return nil, fmt.Errorf("rgbwalletd: initializing signer: %w", err)
	}

	// No concrete chain-node backend is wired for this exercise (spec.md
	// treats ChainWallet/ChainBridge as injected external collaborators);
	// the mock implementations stand in until a production backend is
	// supplied by the embedder.
	wallet := walletiface.NewMockChainWallet()
	bridge := walletiface.NewMockChainBridge()

	engine := &transfer.Engine{
		Wallet:         wallet,
		Bridge:         bridge,
		Ledger:         client,
		Signer:         signer,
		State:          state,
		AnchorMethod:   cfg.Wallet.AnchorMethodValue(),
		ConsignmentDir: filepath.Join(cfg.Wallet.DataDir, "consignments"),
	}

	acceptor := &acceptance.Acceptor{
		Ledger:     client,
		ClaimStore: store,
		State:      state,
		MaxRetries: cfg.Claim.MaxRetries,
	}

	reconciler := &reconcile.Reconciler{
		Ledger:     client,
		ClaimStore: store,
		State:      state,
		Wallet:     wallet,
		Acceptor:   acceptor,
	}

	return &deps{
		cfg:        cfg,
		state:      state,
		store:      store,
		ledger:     client,
		signer:     signer,
		wallet:     wallet,
		bridge:     bridge,
		engine:     engine,
		acceptor:   acceptor,
		reconciler: reconciler,
	}, nil
}

func issueCmd() *cobra.Command {
	var ticker, name, source string
	var supply uint64
	var precision uint8
	var genesisTxid string
	var genesisVout uint32

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "issue a new fungible-token contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.store.Close()

			result, err := d.engine.Issue(context.Background(), transfer.IssuanceParams{
				Ticker:           ticker,
				Name:             name,
				TotalSupply:      supply,
				DecimalPrecision: precision,
				GenesisOutpoint:  transfer.OutpointRef{TxidHex: genesisTxid, Vout: genesisVout},
				SourceCode:       source,
			})
			if err != nil {
				return err
			}
			fmt.Printf("contract issued: %s\n", result.ContractID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ticker, "ticker", "", "token ticker")
	cmd.Flags().StringVar(&name, "name", "", "token name")
	cmd.Flags().Uint64Var(&supply, "supply", 0, "total supply")
	cmd.Flags().Uint8Var(&precision, "precision", 0, "decimal precision")
	cmd.Flags().StringVar(&genesisTxid, "genesis-txid", "", "genesis outpoint txid (hex)")
	cmd.Flags().Uint32Var(&genesisVout, "genesis-vout", 0, "genesis outpoint vout")
	cmd.Flags().StringVar(&source, "source", "", "contract source code")
	return cmd
}

func transferCmd() *cobra.Command {
	var contractID, recipientAddr string
	var amount uint64
	var witnessVout uint32
	var isWitness bool

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "transfer tokens to a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.store.Close()

			result, err := d.engine.Transfer(context.Background(), transfer.TransferParams{
				FeeRateSatPerVByte: d.cfg.Wallet.FeeRateSatPerVByte,
				AnchorMethod:       d.cfg.Wallet.AnchorMethodValue(),
				Invoice: transfer.Invoice{
					ContractID: contractID,
					Amount:     amount,
					RecipientSeal: transfer.RecipientSeal{
						IsWitness:        isWitness,
						WitnessVout:      witnessVout,
						RecipientAddress: recipientAddr,
					},
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("transfer broadcast: txid=%s consignment=%s\n", result.AnchorTxid, result.ConsignmentPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id (hex)")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to send")
	cmd.Flags().StringVar(&recipientAddr, "address", "", "recipient address")
	cmd.Flags().Uint32Var(&witnessVout, "witness-vout", 1, "expected witness output index")
	cmd.Flags().BoolVar(&isWitness, "witness", true, "recipient is witness-form (false for external)")
	return cmd
}

func acceptCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "accept [consignment-file]",
		Short: "validate and accept an incoming consignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path = args[0]
			setupLogging()
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.store.Close()

			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("rgbwalletd: reading consignment: %w", err)
			}
			env, err := consignment.Unmarshal(raw)
			if err != nil {
				return fmt.Errorf("rgbwalletd: parsing consignment: %w", err)
			}

			outcome, err := d.acceptor.Accept(context.Background(), env, path)
			if err != nil {
				return err
			}
			fmt.Printf("accepted: contract=%s genesis=%v claimed=%v seal=%s\n",
				outcome.ContractID, outcome.IsGenesis, outcome.Claimed, outcome.SealID)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "consignment file path")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var contractID string
	var watch bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "reconcile local state for a contract against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			d, err := buildDeps()
			if err != nil {
				return err
			}
			defer d.store.Close()

			report := func() error {
				bal, err := d.reconciler.Reconcile(context.Background(), contractID)
				if err != nil {
					return err
				}
				fmt.Printf("contract=%s seal=%s ledger_amount=%d pending_claims=%d resolved_claims=%d\n",
					bal.ContractID, bal.CurrentSeal, bal.LedgerAmount, bal.PendingClaims, bal.ResolvedClaims)
				return nil
			}

			if !watch {
				return report()
			}

			// --watch runs reconcile on cfg.Claim.ReconcileInterval until the
			// process is killed (spec.md §4.9 / C9's periodic pass).
			return reconcile.RunPeriodic(context.Background(), d.cfg.Claim.ReconcileInterval, func(context.Context) error {
				return report()
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id (hex)")
	cmd.Flags().BoolVar(&watch, "watch", false, "run reconcile continuously on the configured interval")
	return cmd
}
