// Package storetest holds behaviour tests shared by every session.Store backend.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/session"
)

// Run exercises the Store contract against a fresh store per subtest.
func Run(t *testing.T, newStore func(t *testing.T) repoIface.Store) {
	t.Run("SetGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "launch:a", []byte(`{"id":"a"}`), time.Minute))

		got, err := s.Get(ctx, "launch:a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"a"}`, string(got))

		_, err = s.Get(ctx, "launch:missing")
		assert.ErrorIs(t, err, repoIface.ErrNotFound)
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Minute))
		require.NoError(t, s.Set(ctx, "k", []byte("v2"), time.Minute))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(got))
	})

	t.Run("RejectsNonPositiveTTL", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.Set(context.Background(), "k", []byte("v"), 0))
	})

	t.Run("TakeOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "login:state", []byte("nonce"), time.Minute))

		got, err := s.Take(ctx, "login:state")
		require.NoError(t, err)
		assert.Equal(t, "nonce", string(got))

		_, err = s.Take(ctx, "login:state")
		assert.ErrorIs(t, err, repoIface.ErrNotFound)
		_, err = s.Get(ctx, "login:state")
		assert.ErrorIs(t, err, repoIface.ErrNotFound)
	})

	t.Run("ConcurrentTakeHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "login:race", []byte("x"), time.Minute))

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Take(ctx, "login:race"); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, repoIface.ErrNotFound)
		assert.NoError(t, s.Health(ctx))
	})
}
