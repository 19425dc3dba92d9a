package presence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	online, err := repo.IsUserOnline(ctx, "astro-1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, repo.AddSession(ctx, "astro-1", "c1", "node-a"))
	require.NoError(t, repo.AddSession(ctx, "astro-1", "c2", "node-b"))
	online, err = repo.IsUserOnline(ctx, "astro-1")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, repo.RemoveSession(ctx, "astro-1", "c1"))
	online, _ = repo.IsUserOnline(ctx, "astro-1")
	assert.True(t, online)

	require.NoError(t, repo.RemoveSession(ctx, "astro-1", "c2"))
	online, _ = repo.IsUserOnline(ctx, "astro-1")
	assert.False(t, online)

	require.NoError(t, repo.RemoveSession(ctx, "nobody", "c9"))
}

func TestMemoryRepository(t *testing.T) {
	exercise(t, NewMemoryRepository())
}

func TestRedisRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := NewRedisRepository(mr.Addr(), "", "test:presence", time.Minute)
	defer repo.Close()
	exercise(t, repo)
}

func TestRedisRepositoryExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := NewRedisRepository(mr.Addr(), "", "test:presence", time.Minute)
	defer repo.Close()
	ctx := context.Background()

	require.NoError(t, repo.AddSession(ctx, "cust-1", "c1", "node-a"))
	mr.FastForward(2 * time.Minute)

	online, err := repo.IsUserOnline(ctx, "cust-1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRedisRepositoryUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := NewRedisRepository(mr.Addr(), "", "", time.Minute)
	defer repo.Close()
	mr.Close()

	_, err := repo.IsUserOnline(context.Background(), "cust-1")
	assert.Error(t, err)
}

func TestPostgresRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO active_sessions")).
		WithArgs("astro-1", "c1", "node-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("astro-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM active_sessions")).
		WithArgs("astro-1", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddSession(ctx, "astro-1", "c1", "node-a"))
	online, err := repo.IsUserOnline(ctx, "astro-1")
	require.NoError(t, err)
	assert.True(t, online)
	require.NoError(t, repo.RemoveSession(ctx, "astro-1", "c1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
