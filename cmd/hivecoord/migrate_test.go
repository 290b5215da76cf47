package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/hivecoord/internal/migration"
)

type stubMigrator struct {
	version uint
	closed  bool
}

func (s *stubMigrator) Up(context.Context) error      { s.version = 2; return nil }
func (s *stubMigrator) Down(context.Context) error    { s.version--; return nil }
func (s *stubMigrator) DownAll(context.Context) error { s.version = 0; return nil }
func (s *stubMigrator) Steps(_ context.Context, n int) error {
	s.version = uint(int(s.version) + n)
	return nil
}
func (s *stubMigrator) Goto(_ context.Context, v uint) error { s.version = v; return nil }
func (s *stubMigrator) Force(_ context.Context, v int) error { s.version = uint(v); return nil }
func (s *stubMigrator) Version(context.Context) (uint, bool, error) {
	return s.version, false, nil
}
func (s *stubMigrator) Status(context.Context) ([]migration.MigrationStatus, error) {
	return []migration.MigrationStatus{{Version: 1, Name: "decision_log", Applied: s.version >= 1}}, nil
}
func (s *stubMigrator) Info(context.Context) (*migration.MigrationInfo, error) {
	return &migration.MigrationInfo{CurrentVersion: s.version}, nil
}
func (s *stubMigrator) Close() error { s.closed = true; return nil }

// stubOpen 替换 openMigrator，记录解析出的配置
func stubOpen(t *testing.T, m *stubMigrator, openErr error) *migration.Config {
	t.Helper()
	var got migration.Config
	prev := openMigrator
	openMigrator = func(cfg migration.Config) (migration.Migrator, error) {
		got = cfg
		if openErr != nil {
			return nil, openErr
		}
		return m, nil
	}
	t.Cleanup(func() { openMigrator = prev })
	return &got
}

func TestRunMigrate(t *testing.T) {
	sqliteFlags := []string{"--db-type", "sqlite", "--db-url", "file:hive.db"}
	with := func(sub string, extra ...string) []string {
		args := append([]string{sub}, sqliteFlags...)
		return append(args, extra...)
	}

	tests := []struct {
		name       string
		args       []string
		start      uint
		wantCode   int
		wantStdout string
		wantStderr string
		wantVer    uint
	}{
		{name: "no args", args: nil, wantCode: 1, wantStderr: "Subcommands:"},
		{name: "help", args: []string{"help"}, wantCode: 0, wantStdout: "Subcommands:"},
		{name: "unknown", args: with("sideways"), wantCode: 1, wantStderr: "unknown migrate subcommand"},
		{name: "bad flag", args: []string{"up", "--nope"}, wantCode: 2},
		{name: "up", args: with("up"), wantCode: 0, wantStdout: "Current version: 2", wantVer: 2},
		{name: "down", args: with("down"), start: 2, wantCode: 0, wantStdout: "Rollback complete. Current version: 1", wantVer: 1},
		{name: "down all", args: with("down", "--all"), start: 2, wantCode: 0, wantStdout: "All migrations rolled back.", wantVer: 0},
		{name: "steps negative", args: with("steps", "--", "-1"), start: 2, wantCode: 0, wantStdout: "Rolling back 1 migration(s)", wantVer: 1},
		{name: "goto", args: with("goto", "1"), wantCode: 0, wantVer: 1},
		{name: "goto negative", args: with("goto", "--", "-1"), wantCode: 1, wantStderr: "must not be negative"},
		{name: "force", args: with("force", "2"), wantCode: 0, wantStdout: "Version forced to 2", wantVer: 2},
		{name: "force missing version", args: with("force"), wantCode: 1, wantStderr: "requires exactly one number"},
		{name: "force not a number", args: with("force", "x"), wantCode: 1, wantStderr: "invalid number"},
		{name: "status", args: with("status"), start: 1, wantCode: 0, wantStdout: "Applied", wantVer: 1},
		{name: "version", args: with("version"), start: 1, wantCode: 0, wantStdout: "Current version: 1", wantVer: 1},
		{name: "memory driver", args: []string{"up"}, wantCode: 1, wantStderr: "has no schema"},
		{name: "bad db type", args: []string{"up", "--db-type", "oracle", "--db-url", "x"}, wantCode: 1, wantStderr: "unsupported database type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &stubMigrator{version: tt.start}
			stubOpen(t, m, nil)

			var stdout, stderr bytes.Buffer
			code := runMigrate(tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code, stderr.String())
			assert.Contains(t, stdout.String(), tt.wantStdout)
			assert.Contains(t, stderr.String(), tt.wantStderr)
			if tt.wantCode == 0 && tt.args[0] != "help" {
				assert.Equal(t, tt.wantVer, m.version)
				assert.True(t, m.closed)
			}
		})
	}
}

func TestRunMigrate_ResolvesFromFlags(t *testing.T) {
	got := stubOpen(t, &stubMigrator{}, nil)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, runMigrate([]string{"version", "--db-type", "pg", "--db-url", "postgres://x"}, &stdout, &stderr))
	assert.Equal(t, migration.DatabaseTypePostgres, got.DatabaseType)
	assert.Equal(t, "postgres://x", got.DatabaseURL)
}

func TestRunMigrate_ResolvesFromEnv(t *testing.T) {
	got := stubOpen(t, &stubMigrator{}, nil)
	t.Setenv("HIVECOORD_DATABASE_DRIVER", "mysql")
	t.Setenv("HIVECOORD_DATABASE_HOST", "db")
	t.Setenv("HIVECOORD_DATABASE_PORT", "3306")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, runMigrate([]string{"version"}, &stdout, &stderr), stderr.String())
	assert.Equal(t, migration.DatabaseTypeMySQL, got.DatabaseType)
	assert.Equal(t, "hivecoord:@tcp(db:3306)/hivecoord?parseTime=true&multiStatements=true", got.DatabaseURL)
}

func TestRunMigrate_OpenError(t *testing.T) {
	stubOpen(t, nil, errors.New("connection refused"))

	var stdout, stderr bytes.Buffer
	code := runMigrate([]string{"up", "--db-type", "sqlite", "--db-url", "file:x"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Failed to create migrator: connection refused")
}
