package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/hivecoord/internal/database"
)

var sqliteSeq atomic.Int64

func openSQLiteLog(t *testing.T) Log {
	t.Helper()
	dsn := fmt.Sprintf("file:storage_%d?mode=memory&cache=shared", sqliteSeq.Add(1))
	l, err := Open(Config{Driver: database.DriverSQLite, DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// ---------------------------------------------------------------------------
// shared contract
// ---------------------------------------------------------------------------

func TestLog_Contract(t *testing.T) {
	impls := map[string]func(t *testing.T) Log{
		"memory": func(*testing.T) Log { return NewMemoryLog() },
		"sqlite": openSQLiteLog,
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, newLog := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLog(t)

			require.NoError(t, l.RecordDecision(ctx, DecisionRecord{
				ProposalID: "prop-1", Slot: "slot-a", Status: "aborted", Reason: "view change",
				SupersededBy: "prop-2", DecidedAt: base,
			}))
			require.NoError(t, l.RecordDecision(ctx, DecisionRecord{
				ProposalID: "prop-2", Slot: "slot-a", View: 1, Status: "committed", Path: "normal",
				Digest: "abc", Value: `{"x":1}`, Voters: "p1,p2,p3", DecidedAt: base.Add(time.Second),
			}))

			got, err := l.FindDecision(ctx, "prop-2")
			require.NoError(t, err)
			assert.Equal(t, "committed", got.Status)
			assert.Equal(t, []string{"p1", "p2", "p3"}, got.VoterIDs())
			assert.Equal(t, 1, got.View)

			_, err = l.FindDecision(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			// 同一提案再次写入覆盖终态
			require.NoError(t, l.RecordDecision(ctx, DecisionRecord{
				ProposalID: "prop-1", Slot: "slot-a", Status: "aborted", Reason: "ttl expired", DecidedAt: base,
			}))
			got, err = l.FindDecision(ctx, "prop-1")
			require.NoError(t, err)
			assert.Equal(t, "ttl expired", got.Reason)

			list, err := l.Decisions(ctx, 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "prop-2", list[0].ProposalID)

			list, err = l.Decisions(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			assert.Error(t, l.RecordDecision(ctx, DecisionRecord{}))

			require.NoError(t, l.RecordAudit(ctx, AuditEvent{RoundID: "prop-1", Kind: KindProposed, At: base}))
			require.NoError(t, l.RecordAudit(ctx, AuditEvent{RoundID: "prop-1", PrincipalID: "p4", Kind: KindViewChange, Detail: "healthy below quorum", At: base.Add(time.Second)}))
			require.NoError(t, l.RecordAudit(ctx, AuditEvent{RoundID: "prop-2", Kind: KindCommitted}))

			trail, err := l.AuditTrail(ctx, "prop-1")
			require.NoError(t, err)
			require.Len(t, trail, 2)
			assert.Equal(t, KindProposed, trail[0].Kind)
			assert.Equal(t, KindViewChange, trail[1].Kind)
			assert.Equal(t, "p4", trail[1].PrincipalID)

			trail, err = l.AuditTrail(ctx, "prop-2")
			require.NoError(t, err)
			require.Len(t, trail, 1)
			assert.False(t, trail[0].At.IsZero(), "At defaults to now")
		})
	}
}

func TestOpen_DefaultsToMemory(t *testing.T) {
	l, err := Open(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLog{}, l)

	_, err = Open(Config{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// postgres path (sqlmock)
// ---------------------------------------------------------------------------

func setupMockLog(t *testing.T) (*GormLog, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(gormDB, database.PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2}, zap.NewNop())
	require.NoError(t, err)

	l := newGormLog(pool, zap.NewNop())
	l.retry.InitialDelay = time.Millisecond
	l.retry.MaxDelay = 2 * time.Millisecond
	return l, mock
}

func TestGormLog_RecordDecisionUpserts(t *testing.T) {
	l, mock := setupMockLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "decision_records"`) + `.*ON CONFLICT \("proposal_id"\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := l.RecordDecision(context.Background(), DecisionRecord{ProposalID: "prop-1", Slot: "s", Status: "committed", DecidedAt: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLog_RecordDecisionRetriesDeadlock(t *testing.T) {
	l, mock := setupMockLog(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "decision_records"`)).WillReturnError(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "decision_records"`)).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	err := l.RecordDecision(context.Background(), DecisionRecord{ProposalID: "prop-1", Slot: "s", Status: "aborted", DecidedAt: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLog_FindDecisionNotFound(t *testing.T) {
	l, mock := setupMockLog(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "decision_records" WHERE proposal_id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := l.FindDecision(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
