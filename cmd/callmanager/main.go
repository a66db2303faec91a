package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehr/callmanager/internal/config"
	"github.com/ehr/callmanager/internal/platform/auth"
	"github.com/ehr/callmanager/internal/platform/db"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "callmanager",
		Short:        "Clinical call session manager",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().Bool("json", false, "Print raw JSON instead of tables")
	root.PersistentFlags().String("server", "http://localhost:8000", "Call manager base URL (CALLMANAGER_URL)")
	root.PersistentFlags().String("token", "", "Bearer token for the API (CALLMANAGER_TOKEN)")
	root.PersistentFlags().String("tenant", "", "Tenant identifier sent as X-Tenant-ID")
	_ = viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", root.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("tenant", root.PersistentFlags().Lookup("tenant"))
	_ = viper.BindEnv("server", "CALLMANAGER_URL")
	_ = viper.BindEnv("token", "CALLMANAGER_TOKEN")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(callsCmd())
	root.AddCommand(policyCmd())
	return root
}

// loadBackend reads config and opens the configured store for the admin
// commands. The caller closes the returned backend.
func loadBackend(ctx context.Context) (*config.Config, *backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	b, err := openBackend(ctx, cfg, newLogger(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, b, nil
}

func tenantFlag(cfg *config.Config) string {
	if t := viper.GetString("tenant"); t != "" {
		return t
	}
	return cfg.DefaultTenant
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, b, err := loadBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			switch {
			case b.pool != nil:
				schema := db.TenantSchema(tenantFlag(cfg))
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(b.pool, db.PostgresMigrations(cfg.MigrationsDir)).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
			case b.sqlite != nil:
				// OpenSQLite already migrated; report where it landed.
				v, err := db.SQLiteVersion(b.sqlite)
				if err != nil {
					return err
				}
				fmt.Printf("SQLite schema at version %d (%s).\n", v, cfg.SQLitePath)
			default:
				fmt.Println("Memory backend has no schema to migrate.")
			}
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, b, err := loadBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			var statuses []db.MigrationStatus
			switch {
			case b.pool != nil:
				statuses, err = db.NewMigrator(b.pool, db.PostgresMigrations(cfg.MigrationsDir)).
					Status(ctx, db.TenantSchema(tenantFlag(cfg)))
			case b.sqlite != nil:
				statuses, err = db.SQLiteStatus(b.sqlite)
			default:
				fmt.Println("Memory backend has no migrations.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			if viper.GetBool("json") {
				return printJSON(statuses)
			}
			renderMigrations(os.Stdout, statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			cfg, b, err := loadBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			if b.pool == nil {
				return fmt.Errorf("tenant schemas require STORE_BACKEND=postgres, got %s", b.name)
			}

			fmt.Printf("Creating tenant schema: %s\n", db.TenantSchema(name))
			if err := db.CreateTenantSchema(ctx, b.pool, name, db.PostgresMigrations(cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demo calls into the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			ctx := context.Background()
			cfg, b, err := loadBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()
			if b.pool == nil && b.sqlite == nil {
				return fmt.Errorf("seeding the memory backend has no lasting effect; use serve with SEED_DEMO_DATA=true")
			}
			return seedBackend(ctx, b, tenantFlag(cfg), newLogger(cfg), force)
		},
	}
	cmd.Flags().Bool("force", false, "Seed even when the store already holds calls")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an HS256 bearer token with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			tok, err := auth.SignToken(jwtConfig(cfg), subject, tenantFlag(cfg), splitRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject (user id)")
	cmd.Flags().String("roles", auth.RoleTherapist, "Comma-separated roles")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func splitRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
