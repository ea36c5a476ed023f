package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPool struct {
	mock.Mock
}

func (m *mockPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockPool) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockPool) Close() {
	m.Called()
}

func TestRecordConnect(t *testing.T) {
	pool := new(mockPool)
	db := newPostgresDB(pool, zerolog.Nop())
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	pool.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "INSERT INTO broker_sessions")
	}), []any{"c1", "127.0.0.1:5000", at}).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	require.NoError(t, db.RecordConnect(context.Background(), "c1", "127.0.0.1:5000", at))
	pool.AssertExpectations(t)
}

func TestRecordAuthAndDisconnect(t *testing.T) {
	pool := new(mockPool)
	db := newPostgresDB(pool, zerolog.Nop())
	at := time.Now()

	pool.On("Exec", mock.Anything, mock.Anything, []any{"c1", "u1", "student", at}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()
	pool.On("Exec", mock.Anything, mock.Anything, []any{"c1", at, "heartbeat"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	require.NoError(t, db.RecordAuth(context.Background(), "c1", "u1", "student", at))
	require.NoError(t, db.RecordDisconnect(context.Background(), "c1", "heartbeat", at))
	pool.AssertExpectations(t)
}

func TestExecErrorsAreWrapped(t *testing.T) {
	pool := new(mockPool)
	db := newPostgresDB(pool, zerolog.Nop())
	boom := errors.New("connection reset")

	pool.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, boom)

	err := db.RecordDisconnect(context.Background(), "c1", "closed", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	err = db.Migrate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestCloseClosesPool(t *testing.T) {
	pool := new(mockPool)
	pool.On("Close").Once()

	require.NoError(t, newPostgresDB(pool, zerolog.Nop()).Close())
	pool.AssertExpectations(t)
}

func TestNoopSessions(t *testing.T) {
	var repo SessionRepository = NoopSessions{}
	ctx := context.Background()
	assert.NoError(t, repo.RecordConnect(ctx, "c", "", time.Now()))
	assert.NoError(t, repo.RecordAuth(ctx, "c", "u", "t", time.Now()))
	assert.NoError(t, repo.RecordDisconnect(ctx, "c", "closed", time.Now()))
	assert.NoError(t, repo.Close())
}
