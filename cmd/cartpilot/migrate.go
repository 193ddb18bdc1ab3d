package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BaSui01/cartpilot/config"
	"github.com/BaSui01/cartpilot/internal/migration"
)

// =============================================================================
// 数据库迁移命令
// =============================================================================

// migrateFlags migrate 子命令的公共参数
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
}

func parseMigrateFlags(sub string, args []string) (*migrateFlags, []string, error) {
	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := &migrateFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

// newMigrator 优先使用 --db-type/--db-url，否则读取配置中的 database 段
func newMigrator(f *migrateFlags) (*migration.DefaultMigrator, error) {
	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL)
	}

	loader := config.NewLoader()
	if f.configPath != "" {
		loader = loader.WithConfigPath(f.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	return migration.NewMigratorFromConfig(cfg.Database)
}

// runMigrate 处理 `cartpilot migrate <sub>`
func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	if err := migrate(context.Background(), args[0], args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		if errors.Is(err, migration.ErrUnknownSubcommand) {
			printMigrateUsage()
		}
		os.Exit(1)
	}
}

func migrate(ctx context.Context, sub string, args []string, out io.Writer) error {
	f, rest, err := parseMigrateFlags(sub, args)
	if err != nil {
		return err
	}
	m, err := newMigrator(f)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	return cli.Dispatch(ctx, sub, rest)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  cartpilot migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  reset     Rollback all migrations
  steps <n> Apply (n>0) or rollback (n<0) n migrations
  status    Show migration status
  version   Show current migration version
  info      Show migration summary
  goto <v>  Migrate to a specific version
  force <v> Force set migration version (use with caution)

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  cartpilot migrate up
  cartpilot migrate status --config /etc/cartpilot/config.yaml
  cartpilot migrate goto 1 --db-type sqlite --db-url "file:cartpilot.db?mode=rwc"`)
}
