package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"supportchat/internal/client"
	"supportchat/internal/domain"
	"supportchat/internal/security"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalOptions struct {
	server   string
	token    string
	secret   string
	role     string
	identity string
	output   string
	timeout  time.Duration
}

var opts globalOptions

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Operate support conversations from the command line",
	Long: `chatctl talks to a support chat server over its HTTP and WebSocket API.

Authenticate with --token, or mint a token locally with --secret (the
server's JWT_SECRET) together with --role and --identity.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.server, "server", envOr("CHATCTL_SERVER", "http://localhost:8000"), "server base URL")
	f.StringVar(&opts.token, "token", os.Getenv("CHATCTL_TOKEN"), "bearer token")
	f.StringVar(&opts.secret, "secret", os.Getenv("CHATCTL_SECRET"), "JWT secret used to mint a token when --token is empty")
	f.StringVar(&opts.role, "role", envOr("CHATCTL_ROLE", "staff"), "acting party: client or staff")
	f.StringVar(&opts.identity, "identity", os.Getenv("CHATCTL_IDENTITY"), "acting identity")
	f.StringVarP(&opts.output, "output", "o", "table", "output format: table, json or yaml")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-command timeout")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func actor() (domain.Actor, error) {
	role, err := domain.ParseRole(opts.role)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{Role: role, Identity: opts.identity}, nil
}

func mintToken(a domain.Actor, ttl time.Duration) (string, error) {
	if opts.secret == "" {
		return "", errors.New("--token or --secret is required")
	}
	if a.Identity == "" {
		return "", errors.New("--identity is required to mint a token")
	}
	return security.NewTokenService(opts.secret, ttl).CreateForActor(a)
}

// remote builds the API client for the configured actor.
func remote() (*client.Remote, error) {
	a, err := actor()
	if err != nil {
		return nil, err
	}
	token := opts.token
	if token == "" {
		if token, err = mintToken(a, time.Hour); err != nil {
			return nil, err
		}
	}
	return client.NewRemote(opts.server, token, a)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), opts.timeout)
}

// render prints v in the selected structured format, or calls table
// for the default human-readable output.
func render(v any, table func()) error {
	switch opts.output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "table", "":
		table()
		return nil
	}
	return fmt.Errorf("unknown output format %q", opts.output)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return 3
	case errors.Is(err, domain.ErrConversationNotFound):
		return 4
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return 5
	}
	return 1
}
