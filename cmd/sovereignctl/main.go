package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/anchor"
	"github.com/sovereign-ledger/sovereign/internal/ledger"
	"github.com/sovereign-ledger/sovereign/internal/trail"
	"github.com/sovereign-ledger/sovereign/internal/tsa"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sovereignctl",
	Short: "Tamper-evident audit trail control",
	Long: `sovereignctl manages a cryptographically sovereign audit trail:
a hash-chained, genesis-signed event ledger with Merkle batch anchoring,
external pinning, and RFC 3161 timestamp anchors.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("sovereign")
			viper.SetConfigType("yaml")
			viper.AddConfigPath("configs")
			viper.AddConfigPath(".")
		}
		viper.SetEnvPrefix("SOVEREIGN")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()

		viper.SetDefault("base_dir", "sovereign-data")
		viper.SetDefault("batch_size", 100)
		viper.SetDefault("rotate_bytes", 0)
		viper.SetDefault("hmac.interval", "24h")
		viper.SetDefault("hmac.seed", "")
		viper.SetDefault("tsa.url", "")
		viper.SetDefault("tsa.fallback_urls", []string{})
		viper.SetDefault("tsa.timeout", "10s")
		viper.SetDefault("tsa.max_clock_skew", "5m")
		viper.SetDefault("s3.bucket", "")
		viper.SetDefault("s3.prefix", "anchors/")
		viper.SetDefault("s3.region", "")
		viper.SetDefault("s3.access_key_id", "")
		viper.SetDefault("s3.secret_access_key", "")
		viper.SetDefault("s3.endpoint", "")
		viper.SetDefault("s3.retain", "0s")
		viper.SetDefault("postgres.url", "")
		viper.SetDefault("serve.addr", ":8080")

		_ = viper.ReadInConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./sovereign.yaml)")

	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	return logger
}

// buildTrail assembles the trail from viper config. The returned cleanup
// closes the trail and any backend pools.
func buildTrail(ctx context.Context, logger *zap.Logger) (*trail.Trail, func(), error) {
	cfg := trail.Config{
		BaseDir:      viper.GetString("base_dir"),
		BatchSize:    viper.GetInt("batch_size"),
		RotateBytes:  viper.GetInt64("rotate_bytes"),
		HMACInterval: viper.GetDuration("hmac.interval"),
		PinTimeout:   viper.GetDuration("tsa.timeout"),
	}

	if seed := viper.GetString("hmac.seed"); seed != "" {
		raw, err := hex.DecodeString(seed)
		if err != nil {
			return nil, nil, fmt.Errorf("decode hmac.seed: %w", err)
		}
		cfg.HMACSeed = raw
	}

	if url := viper.GetString("tsa.url"); url != "" {
		authority, err := tsa.NewHTTP(tsa.HTTPConfig{
			URL:            url,
			FallbackURLs:   viper.GetStringSlice("tsa.fallback_urls"),
			RequestTimeout: viper.GetDuration("tsa.timeout"),
			MaxClockSkew:   viper.GetDuration("tsa.max_clock_skew"),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		cfg.Authority = authority
	}

	var cleanups []func()

	if bucket := viper.GetString("s3.bucket"); bucket != "" {
		s3Backend, err := anchor.NewS3(anchor.S3Config{
			Bucket:          bucket,
			Prefix:          viper.GetString("s3.prefix"),
			Region:          viper.GetString("s3.region"),
			AccessKeyID:     viper.GetString("s3.access_key_id"),
			SecretAccessKey: viper.GetString("s3.secret_access_key"),
			Endpoint:        viper.GetString("s3.endpoint"),
			RetainFor:       viper.GetDuration("s3.retain"),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		cfg.Backends = append(cfg.Backends, s3Backend)
	}

	if pgURL := viper.GetString("postgres.url"); pgURL != "" {
		pool, err := pgxpool.New(ctx, pgURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		pg := anchor.NewPostgres(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanups = append(cleanups, pool.Close)
		cfg.Backends = append(cfg.Backends, pg)
	}

	tr, err := trail.New(cfg, logger)
	if err != nil {
		for _, c := range cleanups {
			c()
		}
		return nil, nil, err
	}
	cleanup := func() {
		tr.Close()
		for _, c := range cleanups {
			c()
		}
	}
	return tr, cleanup, nil
}

// ── log ──────────────────────────────────────────────────────────────────────

var (
	logType        string
	logActor       string
	logDescription string
	logSeverity    string
	logData        string
	logMetadata    string
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append an audited event",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		tr, cleanup, err := buildTrail(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		in := ledger.Input{
			Type:        logType,
			Actor:       logActor,
			Description: logDescription,
			Severity:    ledger.Severity(logSeverity),
		}
		if logData != "" {
			if err := json.Unmarshal([]byte(logData), &in.Data); err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}
		}
		if logMetadata != "" {
			if err := json.Unmarshal([]byte(logMetadata), &in.Metadata); err != nil {
				return fmt.Errorf("parse --metadata: %w", err)
			}
		}

		e, err := tr.LogEvent(cmd.Context(), in)
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

func init() {
	logCmd.Flags().StringVar(&logType, "type", "manual.event", "event type")
	logCmd.Flags().StringVar(&logActor, "actor", "operator", "acting principal")
	logCmd.Flags().StringVar(&logDescription, "description", "", "free-text description")
	logCmd.Flags().StringVar(&logSeverity, "severity", "info", "info|warning|error|critical")
	logCmd.Flags().StringVar(&logData, "data", "", "event payload as JSON object")
	logCmd.Flags().StringVar(&logMetadata, "metadata", "", "event metadata as JSON object")
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run the full layered integrity check",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		tr, cleanup, err := buildTrail(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		report := tr.VerifyIntegrity(cmd.Context())
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.OK {
			return fmt.Errorf("integrity check failed with %d issue(s)", len(report.Issues))
		}
		return nil
	},
}

// ── proof ────────────────────────────────────────────────────────────────────

var proofCmd = &cobra.Command{
	Use:   "proof <event-id>",
	Short: "Print a self-contained proof bundle for an event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		tr, cleanup, err := buildTrail(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		bundle, err := tr.ProofBundle(args[0])
		if err != nil {
			return err
		}
		return printJSON(bundle)
	},
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show trail state",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		tr, cleanup, err := buildTrail(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		return printJSON(trailStatus(tr))
	},
}

func trailStatus(tr *trail.Trail) map[string]any {
	return map[string]any{
		"genesis_id":      tr.Identity().ID(),
		"public_key_hash": tr.Identity().PublicKeyHash(),
		"events_total":    tr.Ledger().Total(),
		"segment_events":  tr.Ledger().Count(),
		"tip_hash":        tr.Ledger().TipHash(),
		"tsa_anchors":     tr.Chain().Count(),
		"pin_backends":    tr.AnchorStore().Backends(),
		"frozen":          tr.Guard().Frozen(),
		"degraded":        tr.Degraded(),
	}
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sovereignctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sovereignctl", version)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
