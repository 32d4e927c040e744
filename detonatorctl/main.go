package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/detonator/internal/platform/postgres"
	pgstore "github.com/animus-labs/detonator/internal/repo/postgres"
)

var rootCmd = &cobra.Command{
	Use:   "detonatorctl",
	Short: "Operate the detonation orchestrator",
	Long: `detonatorctl inspects and steers detonation jobs.
Jobs move fresh -> instantiate -> connect -> execute -> stop -> remove -> finished;
the orchestrator service drives them. This tool submits jobs, forces stops,
kills and resubmits them, and manages environment profiles.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DETONATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("database-url", "", "postgres connection url (DETONATOR_DATABASE_URL)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "command timeout")
	rootCmd.PersistentFlags().String("actor", "", "operator name recorded in the audit trail (defaults to $USER)")
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect and steer jobs"}
	jobs.AddCommand(jobListCmd(), jobShowCmd(), jobAlertsCmd(), jobSubmitCmd(), jobStopCmd(), jobKillCmd(), jobResubmitCmd())

	files := &cobra.Command{Use: "files", Short: "Register samples"}
	files.AddCommand(fileAddCmd())

	profiles := &cobra.Command{Use: "profiles", Short: "Manage environment profiles"}
	profiles.AddCommand(profileListCmd(), profileImportCmd(), profileDeleteCmd())

	rootCmd.AddCommand(jobs, files, profiles)
}

func withStore(ctx context.Context, fn func(ctx context.Context, store *pgstore.Store) error) error {
	return withSession(ctx, func(ctx context.Context, s *session) error { return fn(ctx, s.store) })
}

// withSession opens the database without applying migrations; the service
// owns the schema.
func withSession(ctx context.Context, fn func(ctx context.Context, s *session) error) error {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return err
	}
	if url := strings.TrimSpace(viper.GetString("database-url")); url != "" {
		cfg.URL = url
	}
	cfg = cfg.ForCLI()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()

	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)
	return fn(ctx, &session{store: pgstore.NewStore(db), db: db})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
