package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lfrezen/insurance/internal/app"
	"github.com/lfrezen/insurance/internal/config"
	"github.com/lfrezen/insurance/internal/messaging"
	"github.com/lfrezen/insurance/internal/migrate"
	"github.com/lfrezen/insurance/internal/proposalclient"
	insurancesdk "github.com/lfrezen/insurance/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "ins",
	Short: "Insurance proposal and contract services",
	Long: `ins runs and drives two services that cooperate over RabbitMQ and HTTP.
- proposal service: creates proposals and moves them from UnderReview to Approved or Rejected.
  Approvals are written to an outbox in the same transaction and published as proposal.approved.
- contract service: consumes proposal.approved, re-checks the proposal over HTTP with retry and
  a circuit breaker, and creates at most one contract per proposal.
Configuration comes from --config (YAML), then INS_* environment variables, then flags.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults are used when empty)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("proposals-url", "http://127.0.0.1:8080", "proposal service base URL for client commands")
	rootCmd.PersistentFlags().String("contracts-url", "http://127.0.0.1:8081", "contract service base URL for client commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for client commands (minted from auth.jwt_secret when empty)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("proposals-url", rootCmd.PersistentFlags().Lookup("proposals-url"))
	_ = viper.BindPFlag("contracts-url", rootCmd.PersistentFlags().Lookup("contracts-url"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(outboxCmd())
}

// overridable lists the config keys env vars and flags may override.
var overridable = []string{
	"database.driver",
	"database.dsn",
	"broker.url",
	"broker.exchange",
	"broker.queue",
	"http.addr",
	"http.base_path",
	"proposal_client.base_url",
	"auth.jwt_secret",
	"auth.issuer",
	"log.level",
	"log.format",
}

// loadConfig reads the config file and applies env and flag overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, viper.GetViper()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) error {
	overrides := map[string]any{}
	for _, key := range overridable {
		if val := strings.TrimSpace(v.GetString(key)); val != "" {
			setNested(overrides, key, val)
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(overrides)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("apply overrides: %w", err)
	}
	return nil
}

func setNested(m map[string]any, key, val string) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		m[key] = val
		return
	}
	sub, _ := m[section].(map[string]any)
	if sub == nil {
		sub = map[string]any{}
		m[section] = sub
	}
	sub[field] = val
}

func newRuntime() (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, os.Stderr)
}

func serveCmd() *cobra.Command {
	serve := &cobra.Command{Use: "serve", Short: "Run a service"}
	serve.PersistentFlags().String("addr", "", "listen address (overrides http.addr)")
	_ = viper.BindPFlag("http.addr", serve.PersistentFlags().Lookup("addr"))
	serve.AddCommand(serveProposalsCmd())
	serve.AddCommand(serveContractsCmd())
	return serve
}

func serveProposalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proposals",
		Short: "Run the proposal service (HTTP API and outbox relay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			sess, err := messaging.NewSession(rt.Config.Broker.URL)
			if err != nil {
				return err
			}
			sess.Log = rt.Log
			defer sess.Close()
			ps, err := rt.NewProposalService(sess)
			if err != nil {
				return err
			}
			defer ps.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			relayDone := make(chan struct{})
			go func() {
				defer close(relayDone)
				ps.Run(ctx)
			}()
			err = listen(ctx, rt, ps.Handler, "proposal service")
			cancel()
			<-relayDone
			return err
		},
	}
}

func serveContractsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contracts",
		Short: "Run the contract service (HTTP API and proposal.approved consumer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			sess, err := messaging.NewSession(rt.Config.Broker.URL)
			if err != nil {
				return fmt.Errorf("contract service cannot start without the broker: %w", err)
			}
			sess.Log = rt.Log
			defer sess.Close()
			cs, err := rt.NewContractService(sess)
			if err != nil {
				return err
			}
			defer cs.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			consumerErr := make(chan error, 1)
			go func() {
				consumerErr <- cs.Run(ctx)
				// Broker drops are resubscribed inside Run; an error here means the consumer never started.
				cancel()
			}()
			err = listen(ctx, rt, cs.Handler, "contract service")
			cancel()
			if cerr := <-consumerErr; cerr != nil && !errors.Is(cerr, context.Canceled) {
				return errors.Join(err, cerr)
			}
			return err
		},
	}
}

// listen serves handler until ctx is done, then shuts down gracefully.
func listen(ctx context.Context, rt *app.Runtime, handler http.Handler, name string) error {
	srv := &http.Server{Addr: rt.Config.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	rt.Log.Info("serving "+name, "addr", rt.Config.HTTP.Addr, "base_path", rt.Config.HTTP.BasePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate proposals|contracts",
		Short:     "Apply schema migrations for a service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{migrate.Proposals, migrate.Contracts},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			r, err := rt.OpenStore(args[0])
			if err != nil {
				return err
			}
			defer r.DB.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"component": args[0], "ok": true})
			}
			fmt.Printf("%s schema up to date\n", args[0])
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect or generate configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default config to path, or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Print(config.GenerateDefault())
				return nil
			}
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			return os.WriteFile(args[0], []byte(config.GenerateDefault()), 0o644)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Auth.JWTSecret != "" {
				c.Auth.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cfg
}

// clientFor builds an SDK client for baseURL carrying the configured or minted token.
func clientFor(baseURL string) (*insurancesdk.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c := insurancesdk.New(baseURL)
	if token := viper.GetString("token"); token != "" {
		c.BearerToken = token
	} else {
		c.TokenSource = proposalclient.TokenSource(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Minute, nil)
	}
	return c, nil
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{Use: "proposal", Short: "Work with proposals through the proposal service"}
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalStatusCmd("approve", "Approved"))
	p.AddCommand(proposalStatusCmd("reject", "Rejected"))
	return p
}

func proposalCreateCmd() *cobra.Command {
	var in insurancesdk.ProposalInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(viper.GetString("proposals-url"))
			if err != nil {
				return err
			}
			p, err := c.CreateProposal(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printProposals(p)
		},
	}
	cmd.Flags().StringVar(&in.FullName, "full-name", "", "insured person's full name")
	cmd.Flags().StringVar(&in.NationalID, "national-id", "", "insured person's CPF")
	cmd.Flags().StringVar(&in.Email, "email", "", "insured person's email")
	cmd.Flags().StringVar(&in.CoverageType, "coverage", "", "Vida, Auto, Residencial or Empresarial")
	cmd.Flags().Float64Var(&in.InsuredAmount, "amount", 0, "insured amount")
	for _, name := range []string{"full-name", "national-id", "email", "coverage", "amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func proposalListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(viper.GetString("proposals-url"))
			if err != nil {
				return err
			}
			items, err := c.ListProposals(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printProposals(items...)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(viper.GetString("proposals-url"))
			if err != nil {
				return err
			}
			p, err := c.GetProposal(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printProposals(p)
		},
	}
}

func proposalStatusCmd(use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Mark a proposal " + status,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(viper.GetString("proposals-url"))
			if err != nil {
				return err
			}
			p, err := c.ChangeProposalStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			return printProposals(p)
		},
	}
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Work with contracts through the contract service"}
	c.AddCommand(&cobra.Command{
		Use:   "create <proposal-id>",
		Short: "Contract an approved proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(viper.GetString("contracts-url"))
			if err != nil {
				return err
			}
			out, err := client.CreateContract(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printContracts(out)
		},
	})
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List contracts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(viper.GetString("contracts-url"))
			if err != nil {
				return err
			}
			items, err := client.ListContracts(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printContracts(items...)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	c.AddCommand(list)
	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(viper.GetString("contracts-url"))
			if err != nil {
				return err
			}
			out, err := client.GetContract(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printContracts(out)
		},
	})
	return c
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{Use: "outbox", Short: "Operate the proposal service outbox"}
	var once bool
	relay := &cobra.Command{
		Use:   "relay",
		Short: "Publish outbox rows that were committed but not yet published",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			r, err := rt.OpenStore(migrate.Proposals)
			if err != nil {
				return err
			}
			defer r.DB.Close()
			sess, err := messaging.NewSession(rt.Config.Broker.URL)
			if err != nil {
				return err
			}
			defer sess.Close()
			pub, err := rt.NewPublisher(sess)
			if err != nil {
				return err
			}
			defer pub.Close()
			rl := rt.NewRelay(r, pub)
			if !once {
				rl.Run(cmd.Context())
				return nil
			}
			n, err := rl.Flush(cmd.Context())
			if viper.GetBool("json") {
				_ = printJSON(map[string]any{"published": n, "error": errString(err)})
			} else {
				fmt.Printf("published %d message(s)\n", n)
			}
			return err
		},
	}
	relay.Flags().BoolVar(&once, "once", false, "flush one batch and exit")
	ob.AddCommand(relay)
	return ob
}

func printProposals(items ...insurancesdk.Proposal) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Coverage", "Amount", "Status", "Created"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.FullName, p.CoverageType, p.InsuredAmount.StringFixed(2), p.Status, p.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printContracts(items ...insurancesdk.Contract) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Proposal", "Contracted"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.ProposalID, c.ContractedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
