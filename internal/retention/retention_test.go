package retention

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/scp-archive/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func commitVersions(t *testing.T, db *storage.DB, n int) []int64 {
	t.Helper()

	var out []int64
	for i := range n {
		content := fmt.Sprintf("revision %d", i)
		ver, err := db.Commit(context.Background(), fmt.Sprintf("c%d", i), []*storage.Item{{
			Link:        "scp-173",
			Label:       "SCP-173",
			Number:      173,
			RawContent:  &content,
			ContentSHA1: &content,
		}})
		require.NoError(t, err)
		out = append(out, ver.Number)
	}
	return out
}

func TestManager_Prune(t *testing.T) {
	db := openTestDB(t)
	versions := commitVersions(t, db, 4)

	m := NewManager(db, Policy{Keep: 2}, true)
	res, err := m.Prune(context.Background(), Policy{Keep: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{versions[0]}, res.Removed)
	assert.Equal(t, versions[1], res.Oldest)

	_, err = m.Prune(context.Background(), Policy{Keep: 0})
	assert.Error(t, err)
}

func TestManager_AfterCommit(t *testing.T) {
	db := openTestDB(t)
	versions := commitVersions(t, db, 3)

	m := NewManager(db, Policy{Keep: 1}, true)
	m.AfterCommit()
	m.Wait()

	left, err := db.Versions(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, versions[2], left[0].Number)
}

func TestManager_DisabledDoesNotPruneAutomatically(t *testing.T) {
	db := openTestDB(t)
	commitVersions(t, db, 3)

	m := NewManager(db, Policy{Keep: 1}, false)
	m.AfterCommit()
	m.Run()
	m.Wait()

	left, err := db.Versions(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestCronSpec(t *testing.T) {
	tests := []struct {
		schedule string
		want     string
		wantErr  bool
	}{
		{"never", "", false},
		{"hourly", "@hourly", false},
		{"daily", "@daily", false},
		{"weekly", "@weekly", false},
		{"monthly", "@monthly", false},
		{"yearly", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			got, err := CronSpec(tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type blockingJob struct {
	runs    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (j *blockingJob) Run() {
	j.runs.Add(1)
	close(j.started)
	<-j.release
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	job := &blockingJob{started: make(chan struct{}), release: make(chan struct{})}

	s, err := NewScheduler("hourly", job)
	require.NoError(t, err)
	require.NotNil(t, s)

	done := make(chan struct{})
	go func() {
		s.run(job)
		close(done)
	}()
	<-job.started

	s.run(job) // returns immediately while the first run holds the job
	assert.EqualValues(t, 1, job.runs.Load())

	close(job.release)
	<-done
	assert.False(t, s.running.Contains(job))
}

func TestScheduler_Never(t *testing.T) {
	s, err := NewScheduler("never", &blockingJob{})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewScheduler("fortnightly")
	assert.Error(t, err)
}
