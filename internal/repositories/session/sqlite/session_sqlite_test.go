package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipper/poc/lti/grader/internal/repositories/session/storetest"
	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/session"
)

func newRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	repo, err := NewSQLiteRepo(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repoIface.Store { return newRepo(t) })
}

func TestExpiredRowsAreInvisible(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now()
	repo.now = func() time.Time { return now }
	require.NoError(t, repo.Set(ctx, "login:s", []byte("v"), time.Minute))

	repo.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err := repo.Get(ctx, "login:s")
	assert.ErrorIs(t, err, repoIface.ErrNotFound)
	_, err = repo.Take(ctx, "login:s")
	assert.ErrorIs(t, err, repoIface.ErrNotFound)
}
