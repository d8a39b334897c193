package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
	"github.com/jmerrifield20/medaudit/internal/blockstore"
	"github.com/jmerrifield20/medaudit/internal/config"
	"github.com/jmerrifield20/medaudit/internal/ingestauth"
	"github.com/jmerrifield20/medaudit/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

// errChainInvalid makes ledgerctl exit non-zero after printing a failed
// verification.
var errChainInvalid = errors.New("chain verification failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOpts struct {
	server  string
	cfgFile string
	token   string
	apiKey  string
	timeout time.Duration
}

func (g *globalOpts) client() (*client.Client, error) {
	opts := []client.Option{}
	if g.token != "" {
		opts = append(opts, client.WithBearerToken(g.token))
	}
	if g.apiKey != "" {
		opts = append(opts, client.WithAPIKey(g.apiKey))
	}
	return client.New(g.server, opts...)
}

func (g *globalOpts) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "medaudit ledger CLI",
		Long: `ledgerctl talks to a running ledgerd, or reads its block store directly
with "verify --offline".`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			viper.SetEnvPrefix("medaudit")
			viper.AutomaticEnv()
			if g.server == "" {
				g.server = viper.GetString("server")
			}
			if g.server == "" {
				g.server = "http://localhost:8080"
			}
			if g.token == "" {
				g.token = viper.GetString("token")
			}
			if g.apiKey == "" {
				g.apiKey = viper.GetString("api_key")
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", "", "ledgerd base URL (env MEDAUDIT_SERVER, default http://localhost:8080)")
	pf.StringVar(&g.cfgFile, "config", "", "ledgerd config file, used by verify --offline")
	pf.StringVar(&g.token, "token", "", "ingest bearer token (env MEDAUDIT_TOKEN)")
	pf.StringVar(&g.apiKey, "api-key", "", "ingest API key (env MEDAUDIT_API_KEY)")
	pf.DurationVar(&g.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newStatusCmd(g),
		newVerifyCmd(g),
		newBlockCmd(g),
		newAppendCmd(g),
		newTokenCmd(g),
		newHashKeyCmd(),
		newVersionCmd(),
	)
	return root
}

// ── status ───────────────────────────────────────────────────────────────────

func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chain length, tip hash and difficulty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context()
			defer cancel()

			s, err := c.Status(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "blocks\t%d\n", s.Blocks)
			fmt.Fprintf(w, "root\t%s\n", s.Root)
			fmt.Fprintf(w, "difficulty\t%d\n", s.Difficulty)
			fmt.Fprintf(w, "ready\t%t\n", s.Ready)
			return w.Flush()
		},
	}
}

// ── verify ───────────────────────────────────────────────────────────────────

func newVerifyCmd(g *globalOpts) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the whole chain",
		Long: `verify asks ledgerd to walk the chain. With --offline it opens the block
store named in the ledgerd config instead and verifies it locally; ledgerd does
not need to be running. The exit status is non-zero when the chain is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.context()
			defer cancel()

			var res *client.VerificationResult
			var err error
			if offline {
				res, err = verifyOffline(ctx, g.cfgFile)
			} else {
				var c *client.Client
				if c, err = g.client(); err == nil {
					res, err = c.Verify(ctx)
				}
			}
			if err != nil {
				return err
			}
			printVerification(cmd.OutOrStdout(), res)
			if !res.Valid {
				return errChainInvalid
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "read the block store directly instead of calling ledgerd")
	return cmd
}

func verifyOffline(ctx context.Context, cfgFile string) (*client.VerificationResult, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	store, err := blockstore.Open(ctx, cfg.BlockStore(), zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("open block store: %w", err)
	}
	defer store.Close()

	rows, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	ledger, err := auditledger.New(auditledger.WithDifficulty(cfg.Ledger.Difficulty))
	if err != nil {
		return nil, err
	}

	res, err := ledger.LoadFrom(ctx, rows)
	var corrupt *auditledger.ChainCorruption
	if err != nil && !errors.As(err, &corrupt) {
		return nil, err
	}
	return &client.VerificationResult{
		Valid:             res.Valid,
		ChainLength:       res.ChainLength,
		FailureBlockIndex: res.FailureBlockIndex,
		FailureKind:       string(res.FailureKind),
		LastHash:          res.LastHash,
		CheckedAt:         res.CheckedAt,
	}, nil
}

func printVerification(out io.Writer, res *client.VerificationResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "valid\t%t\n", res.Valid)
	fmt.Fprintf(w, "blocks\t%d\n", res.ChainLength)
	if res.LastHash != "" {
		fmt.Fprintf(w, "last hash\t%s\n", res.LastHash)
	}
	if !res.Valid {
		fmt.Fprintf(w, "failure\t%s\n", res.FailureKind)
		if res.FailureBlockIndex != nil {
			fmt.Fprintf(w, "at block\t%d\n", *res.FailureBlockIndex)
		}
	}
	fmt.Fprintf(w, "checked at\t%s\n", res.CheckedAt.Format(time.RFC3339))
	w.Flush() //nolint:errcheck
}

// ── block ────────────────────────────────────────────────────────────────────

func newBlockCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "block <index>",
		Short: "Print one block as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[0])
			if err != nil || idx < 0 {
				return fmt.Errorf("index must be a non-negative integer, got %q", args[0])
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context()
			defer cancel()

			b, err := c.Block(ctx, idx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
}

// ── append ───────────────────────────────────────────────────────────────────

func newAppendCmd(g *globalOpts) *cobra.Command {
	var (
		fact    client.AuditFact
		record  int64
		changed map[string]string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Submit an audit fact and print the sealed block",
		Example: `  ledgerctl append --action VIEW --user dr-house --role DOCTOR --patient p-42
  ledgerctl append --action UPDATE --user dr-house --role DOCTOR --patient p-42 \
      --record 17 --changed diagnosis=flu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("record") {
				fact.RecordID = &record
			}
			if len(changed) > 0 {
				fact.Metadata = &client.Metadata{PreviousValues: changed}
				for field := range changed {
					fact.Metadata.ChangedFields = append(fact.Metadata.ChangedFields, field)
				}
				sort.Strings(fact.Metadata.ChangedFields)
			}
			fact.Timestamp = time.Now().UnixMilli()

			c, err := g.client()
			if err != nil {
				return err
			}
			ctx, cancel := g.context()
			defer cancel()

			b, err := c.AddAudit(ctx, fact)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), b)
		},
	}
	f := cmd.Flags()
	f.StringVar(&fact.Action, "action", "", "CREATE, UPDATE, VIEW or DELETE")
	f.StringVar(&fact.UserID, "user", "", "acting user ID")
	f.StringVar(&fact.UserRole, "role", "", "DOCTOR or PATIENT")
	f.StringVar(&fact.PatientID, "patient", "", "patient ID")
	f.Int64Var(&record, "record", 0, "record ID")
	f.StringToStringVar(&changed, "changed", nil, "changed field and its previous value, field=old (repeatable)")
	for _, name := range []string{"action", "user", "role", "patient"} {
		cmd.MarkFlagRequired(name) //nolint:errcheck
	}
	return cmd
}

// ── token ────────────────────────────────────────────────────────────────────

func newTokenCmd(g *globalOpts) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an ingest token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.cfgFile)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return ingestauth.ErrNoSecret
			}
			tok, err := ingestauth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer).Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the calling service name")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.MarkFlagRequired("subject") //nolint:errcheck
	return cmd
}

// ── hash-key ─────────────────────────────────────────────────────────────────

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash of an API key for auth.api_key_hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ingestauth.HashKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

// ── version ──────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledgerctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
		},
	}
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
