package main

import (
	"LendVault/internal/config"
	"LendVault/internal/persistence"
	"LendVault/internal/projection"
	"LendVault/migrations"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	cfg           config.Config
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "manage the LendVault database schema",
	Long: "Environment:\n" +
		"  LENDVAULT_POSTGRES_DSN    Postgres connection string\n" +
		"  LENDVAULT_MIGRATIONS_DIR  migrations directory (default: embedded schema)\n" +
		"  LENDVAULT_CONFIG          optional YAML config file",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if migrationsDir != "" {
			cfg.MigrationsDir = migrationsDir
		}
		return nil
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := newMigrator(db).Up(cmd.Context()); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		log.Println("INFO: all migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "roll back the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := newMigrator(db).Down(cmd.Context()); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		log.Println("INFO: last migration rolled back")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "list migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		statuses, err := newMigrator(db).Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED AT")
		for _, s := range statuses {
			at := "pending"
			if s.Applied {
				at = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Filename, at)
		}
		return w.Flush()
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-projections",
	Short: "rebuild the query projections from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		contract, _ := cmd.Flags().GetString("contract")
		if contract == "" {
			contract = cfg.ContractAddress
		}
		if err := projection.RebuildProjections(cmd.Context(), db, contract); err != nil {
			return fmt.Errorf("rebuild projections: %w", err)
		}
		log.Printf("INFO: projections rebuilt for %s", contract)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory, overrides LENDVAULT_MIGRATIONS_DIR")
	rebuildCmd.Flags().String("contract", "", "vault contract address (default: configured address)")

	rootCmd.AddCommand(upCmd, downCmd, statusCmd, rebuildCmd)
}

func openDB() (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

func newMigrator(db *sql.DB) *persistence.Migrator {
	var fsys fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		fsys = os.DirFS(cfg.MigrationsDir)
	}
	return persistence.NewMigrator(db, fsys)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}
