package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/promptman/promptman/internal/job"
)

// testRepository runs the behaviour every job store has to provide.
func testRepository(t *testing.T, newRepo func(t *testing.T) domain.Repository) {
	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		j := newJob(domain.TypeRepo)
		j.Source.RepoURL = "https://github.com/acme/widgets.git"
		j.Options.IncludePatterns = []string{"*.go"}
		require.NoError(t, repo.Create(ctx, j))

		got, err := repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, domain.TypeRepo, got.Type)
		assert.Equal(t, j.Source.RepoURL, got.Source.RepoURL)
		assert.Equal(t, []string{"*.go"}, got.Options.IncludePatterns)
		assert.True(t, got.StartedAt.IsZero())

		assert.ErrorIs(t, repo.Create(ctx, j), domain.ErrExists)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		_, err := newRepo(t).Get(context.Background(), domain.NewID())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ClaimIsFIFO", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		var ids []string
		for _, typ := range []domain.Type{domain.TypeUpload, domain.TypeRepo, domain.TypeWebsite} {
			j := newJob(typ)
			require.NoError(t, repo.Create(ctx, j))
			ids = append(ids, j.ID)
		}

		want := []domain.Status{domain.StatusUploading, domain.StatusCloning, domain.StatusCrawling}
		for i := range ids {
			j, err := repo.ClaimPending(ctx)
			require.NoError(t, err)
			require.NotNil(t, j)
			assert.Equal(t, ids[i], j.ID)
			assert.Equal(t, want[i], j.Status)
			assert.False(t, j.StartedAt.IsZero())
		}

		j, err := repo.ClaimPending(ctx)
		require.NoError(t, err)
		assert.Nil(t, j)
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		const n = 20
		for range n {
			require.NoError(t, repo.Create(ctx, newJob(domain.TypeRepo)))
		}

		var mu sync.Mutex
		claimed := make(map[string]int)
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := repo.ClaimPending(ctx)
					if err != nil || j == nil {
						return
					}
					mu.Lock()
					claimed[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, n)
		for id, c := range claimed {
			assert.Equal(t, 1, c, "job %s claimed more than once", id)
		}
	})

	t.Run("UpdateEnforcesLifecycle", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		j := newJob(domain.TypeUpload)
		require.NoError(t, repo.Create(ctx, j))

		_, err := repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusCompleted, ArtifactPath: "/a.md"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err := repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status, "rejected update must leave the record untouched")

		claimed, err := repo.ClaimPending(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		got, err = repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusProcessing, WorkingDir: "/w/" + j.ID})
		require.NoError(t, err)
		assert.Equal(t, "/w/"+j.ID, got.WorkingDir)

		_, err = repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusCompleted})
		assert.ErrorIs(t, err, domain.ErrInvariant)

		got, err = repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusCompleted, ArtifactPath: "/a.md"})
		require.NoError(t, err)
		assert.Equal(t, "/a.md", got.ArtifactPath)

		_, err = repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusFailed, Error: "late"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, err = repo.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Empty(t, got.Error)
	})

	t.Run("SingleTerminalWriter", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		j := newJob(domain.TypeRepo)
		require.NoError(t, repo.Create(ctx, j))

		var wg sync.WaitGroup
		results := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = repo.Update(ctx, j.ID, domain.Patch{Status: domain.StatusFailed, Error: "writer"})
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("unexpected error %v", err)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("DeleteMakesJobInvisible", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		j := newJob(domain.TypeRepo)
		require.NoError(t, repo.Create(ctx, j))
		require.NoError(t, repo.Delete(ctx, j.ID))

		_, err := repo.Get(ctx, j.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		claimed, err := repo.ClaimPending(ctx)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("Listings", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		old := newJob(domain.TypeRepo)
		require.NoError(t, repo.Create(ctx, old))
		_, err := repo.Update(ctx, old.ID, domain.Patch{Status: domain.StatusFailed, Error: "x"})
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		cutoff := time.Now()
		time.Sleep(5 * time.Millisecond)

		fresh := newJob(domain.TypeRepo)
		require.NoError(t, repo.Create(ctx, fresh))

		before, err := repo.ListUpdatedBefore(ctx, cutoff, 0)
		require.NoError(t, err)
		require.Len(t, before, 1)
		assert.Equal(t, old.ID, before[0].ID)

		terminal, err := repo.ListTerminal(ctx, 10)
		require.NoError(t, err)
		require.Len(t, terminal, 1)
		assert.Equal(t, old.ID, terminal[0].ID)
	})

	t.Run("RecoverStale", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		running := newJob(domain.TypeWebsite)
		queued := newJob(domain.TypeWebsite)
		require.NoError(t, repo.Create(ctx, running))
		_, err := repo.ClaimPending(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, queued))

		n, err := repo.RecoverStale(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := repo.Get(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, domain.KindTimeout, got.ErrorKind)

		got, err = repo.Get(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
	})
}

func newJob(typ domain.Type) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:        domain.NewID(),
		Type:      typ,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
