package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tacedge/tacedge/pkg/audit"
	"github.com/tacedge/tacedge/pkg/auth"
	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/dispatcher"
	"github.com/tacedge/tacedge/pkg/gateway"
	"github.com/tacedge/tacedge/pkg/log"
	"github.com/tacedge/tacedge/pkg/nodes"
	"github.com/tacedge/tacedge/pkg/queue"
	"github.com/tacedge/tacedge/pkg/sealer"
	"github.com/tacedge/tacedge/pkg/storage"
	"github.com/tacedge/tacedge/pkg/transport"
	"github.com/tacedge/tacedge/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tacedge",
	Short: "TacEdge - Zero-trust tactical message relay",
	Long: `TacEdge is a store-and-forward message relay for disconnected
tactical networks. Messages are encrypted at rest, queued by military
precedence, and delivered in strict priority order with full audit
coverage.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"TacEdge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serverCmd.Flags().String("config", "", "Path to YAML configuration file")
	serverCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("node-id", "relay-01", "Identifier of this relay node")

	tokenCmd.Flags().String("subject", "dev", "Token subject")
	tokenCmd.Flags().String("role", "admin", "Token role (operator, supervisor, admin, service)")
	tokenCmd.Flags().String("node-id", "", "Node the token is bound to")
	tokenCmd.Flags().String("classification", string(types.ClassificationTopSecret), "Classification ceiling")
	tokenCmd.Flags().String("config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tokenCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.ListenAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		nodeID, _ := cmd.Flags().GetString("node-id")

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		auditLog := audit.NewLogger(store)
		defer auditLog.Close()
		if err := auditLog.RecordStart(nodeID); err != nil {
			return err
		}

		seal, err := sealer.New(cfg.Crypto.ContentEncryptionKey, cfg.Crypto.KeyVersion, auditLog, nodeID)
		if err != nil {
			return err
		}
		authn, err := auth.New(cfg.Auth)
		if err != nil {
			return err
		}
		registry, err := nodes.New(store, cfg.Nodes)
		if err != nil {
			return err
		}
		q, err := queue.New(store, cfg.Queue)
		if err != nil {
			return err
		}

		disp := dispatcher.New(q, registry, transport.NewHTTP(), auditLog, cfg.Dispatcher, nodeID)
		disp.Start()

		srv := gateway.New(cfg, q, seal, authn, registry, auditLog)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("gateway failed: %w", err)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("gateway shutdown failed")
		}
		disp.Stop()
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a bearer token for development and bootstrap",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		nodeID, _ := cmd.Flags().GetString("node-id")
		classification, _ := cmd.Flags().GetString("classification")

		authn, err := auth.New(cfg.Auth)
		if err != nil {
			return err
		}
		token, claims, err := authn.Issue(subject, role, nodeID, types.Classification(classification))
		if err != nil {
			return err
		}

		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "subject=%s role=%s expires=%s\n",
			subject, role, claims.ExpiresAt.Time.Format(time.RFC3339))
		return nil
	},
}
