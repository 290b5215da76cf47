package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BaSui01/hivecoord/config"
	"github.com/BaSui01/hivecoord/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// openMigrator 测试中替换为假实现
var openMigrator = func(cfg migration.Config) (migration.Migrator, error) {
	return migration.NewMigrator(cfg)
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printMigrateUsage(stderr)
		return 1
	}
	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage(stdout)
		return 0
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	dbType := fs.String("db-type", "", "Database type: postgres, mysql, sqlite (default: database.driver)")
	dbURL := fs.String("db-url", "", "Database connection URL (default: built from database.*)")
	all := fs.Bool("all", false, "With 'down': roll back every migration")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	action, err := migrateAction(sub, fs.Args(), *all)
	if err != nil {
		fmt.Fprintln(stderr, err)
		printMigrateUsage(stderr)
		return 1
	}

	cfg, err := resolveMigrationConfig(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to resolve database: %v\n", err)
		return 1
	}
	m, err := openMigrator(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := action(ctx, migration.NewCLI(m, stdout)); err != nil {
		fmt.Fprintf(stderr, "Migration failed: %v\n", err)
		return 1
	}
	return 0
}

// migrateAction 解析子命令和位置参数
func migrateAction(sub string, args []string, all bool) (func(context.Context, *migration.CLI) error, error) {
	intArg := func() (int, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("migrate %s requires exactly one number", sub)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, fmt.Errorf("migrate %s: invalid number %q", sub, args[0])
		}
		return n, nil
	}

	switch sub {
	case "up":
		return func(ctx context.Context, c *migration.CLI) error { return c.RunUp(ctx) }, nil
	case "down":
		if all {
			return func(ctx context.Context, c *migration.CLI) error { return c.RunDownAll(ctx) }, nil
		}
		return func(ctx context.Context, c *migration.CLI) error { return c.RunDown(ctx) }, nil
	case "status":
		return func(ctx context.Context, c *migration.CLI) error { return c.RunStatus(ctx) }, nil
	case "version":
		return func(ctx context.Context, c *migration.CLI) error { return c.RunVersion(ctx) }, nil
	case "steps":
		n, err := intArg()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, c *migration.CLI) error { return c.RunSteps(ctx, n) }, nil
	case "goto":
		n, err := intArg()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New("migrate goto: version must not be negative")
		}
		return func(ctx context.Context, c *migration.CLI) error { return c.RunGoto(ctx, uint(n)) }, nil
	case "force":
		n, err := intArg()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, c *migration.CLI) error { return c.RunForce(ctx, n) }, nil
	default:
		return nil, fmt.Errorf("unknown migrate subcommand: %s", sub)
	}
}

// resolveMigrationConfig --db-type 与 --db-url 同时给出时不读配置；
// 迁移只需要 database 段，不做整份配置校验
func resolveMigrationConfig(configPath, dbType, dbURL string) (migration.Config, error) {
	if dbType != "" && dbURL != "" {
		t, err := migration.ParseDatabaseType(dbType)
		if err != nil {
			return migration.Config{}, err
		}
		return migration.Config{DatabaseType: t, DatabaseURL: dbURL}, nil
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return migration.Config{}, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	out, err := migration.ConfigFromDatabase(cfg.Database)
	if err != nil {
		return migration.Config{}, err
	}
	if dbURL != "" {
		out.DatabaseURL = dbURL
	}
	return out, nil
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Decision log schema migrations

Usage:
  hivecoord migrate <subcommand> [options] [arg]    (options before arg)

Subcommands:
  up              Apply all pending migrations
  down [--all]    Roll back the last migration, or all of them
  steps <n>       Apply n migrations, or roll back when n is negative
  goto <version>  Migrate up or down to a version
  force <version> Set the version without running SQL (clears dirty state)
  status          Show every migration and whether it is applied
  version         Show the current version
  help            Show this help message

Options:
  --config <path>   Configuration file; the database section is used
  --db-type <type>  postgres, mysql or sqlite (overrides database.driver)
  --db-url <url>    Connection URL (overrides the one built from config)

Examples:
  hivecoord migrate up --config /etc/hivecoord/hive.yaml
  hivecoord migrate down --all --db-type sqlite --db-url "file:hive.db?mode=rwc"
  hivecoord migrate force --config hive.yaml 1`)
}
