package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refColumns = []string{"thread_id", "created_at", "last_seen_at"}

func newMockPGStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPGStore(mock, time.Hour), mock
}

func TestPGStoreCreatesOnFirstContact(t *testing.T) {
	store, mock := newMockPGStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO whatsapp_conversations").
		WithArgs("5551234567", "thread_1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(refColumns).AddRow("thread_1", now, now))

	ref, created, err := store.GetOrCreate(context.Background(), "5551234567", fixedThread("thread_1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "thread_1", ref.ThreadID)
	assert.Equal(t, now, ref.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreReusesLiveReference(t *testing.T) {
	store, mock := newMockPGStore(t)
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seen := created.Add(30 * time.Minute)

	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(refColumns).AddRow("thread_1", created, seen))

	calls := 0
	ref, wasCreated, err := store.GetOrCreate(context.Background(), "5551234567", func(context.Context) (string, error) {
		calls++
		return "thread_2", nil
	})
	require.NoError(t, err)
	assert.False(t, wasCreated)
	assert.Equal(t, "thread_1", ref.ThreadID)
	assert.Zero(t, calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreLosesInsertRace(t *testing.T) {
	store, mock := newMockPGStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO whatsapp_conversations").
		WithArgs("5551234567", "thread_mine", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT thread_id, created_at, last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(refColumns).AddRow("thread_theirs", now, now))

	ref, created, err := store.GetOrCreate(context.Background(), "5551234567", fixedThread("thread_mine"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "thread_theirs", ref.ThreadID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreRechecksBeforeCreating(t *testing.T) {
	store, mock := newMockPGStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A concurrent caller stores the reference between the first lookup
	// and this caller's create.
	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(refColumns).AddRow("thread_theirs", now, now))

	calls := 0
	ref, created, err := store.GetOrCreate(context.Background(), "5551234567", func(context.Context) (string, error) {
		calls++
		return "thread_orphan", nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "thread_theirs", ref.ThreadID)
	assert.Zero(t, calls, "no thread is created once the reference exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreDatabaseError(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery("UPDATE whatsapp_conversations SET last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, _, err := store.GetOrCreate(context.Background(), "5551234567", fixedThread("thread_1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetMissing(t *testing.T) {
	store, mock := newMockPGStore(t)
	mock.ExpectQuery("SELECT thread_id, created_at, last_seen_at").
		WithArgs("5551234567", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "5551234567")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCountDeletePurge(t *testing.T) {
	store, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM whatsapp_conversations`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("DELETE FROM whatsapp_conversations WHERE sender_id").
		WithArgs("5551234567").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM whatsapp_conversations WHERE last_seen_at").
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, store.Delete(ctx, "5551234567"))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)
	require.NoError(t, mock.ExpectationsWereMet())
}
