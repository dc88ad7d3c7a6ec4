package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/scp-archive/internal/storage"
)

func strPtr(s string) *string { return &s }

func items() []*storage.Item {
	return []*storage.Item{
		{
			Link: "scp-173", Label: "SCP-173", Number: 173, Title: "The Sculpture",
			Tags: []string{"euclid", "statue"}, RawContent: strPtr("Moved to Site-19 in 1993. The sculpture is animate."),
		},
		{
			Link: "scp-096", Label: "SCP-096", Number: 96, Title: "The Shy Guy",
			Tags: []string{"euclid", "humanoid"}, Markdown: strPtr("Do not view the face of SCP-096."),
		},
		{
			Link: "scp-682", Label: "SCP-682", Number: 682, Title: "Hard-to-Destroy Reptile",
			Tags: []string{"keter", "reptilian"},
		},
	}
}

func document(item *storage.Item) Document {
	d := Document{Link: item.Link, Label: item.Label, Title: item.Title, Tags: item.Tags}
	if item.Markdown != nil {
		d.Content = *item.Markdown
	} else if c := item.PrimaryContent(); c != nil {
		d.Content = *c
	}
	return d
}

func newScore(t *testing.T) func(q string, item *storage.Item) float64 {
	s, err := NewScorer()
	require.NoError(t, err)
	return func(q string, item *storage.Item) float64 {
		return s.Query(q).Score(s.Profile(document(item)))
	}
}

func TestScorer_Deterministic(t *testing.T) {
	score := newScore(t)

	it := items()[0]
	first := score("sculpture", it)
	assert.Greater(t, first, 0.0)
	for range 5 {
		assert.Equal(t, first, score("sculpture", it))
	}
}

func TestScorer_Weighting(t *testing.T) {
	score := newScore(t)
	all := items()

	// title and content beat content alone
	assert.Greater(t, score("sculpture", all[0]), score("face", all[1]))

	// stemming: "sculptures" matches "sculpture"
	assert.Greater(t, score("sculptures", all[0]), 0.0)

	// tags
	assert.Greater(t, score("keter", all[2]), 0.0)
	assert.Zero(t, score("keter", all[0]))

	// stop words alone score nothing
	assert.Zero(t, score("the", all[0]))
	assert.Zero(t, score("", all[0]))

	// exact identifier boost
	assert.Greater(t, score("SCP-096", all[1]), score("SCP-096", all[0]))
}

func TestScorer_ProfileReuse(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)

	p := s.Profile(document(items()[0]))
	fresh := s.Profile(document(items()[0]))
	for _, q := range []string{"sculpture", "site-19", "statue", "reptile"} {
		assert.Equal(t, s.Query(q).Score(fresh), s.Query(q).Score(p), q)
	}

	assert.True(t, s.Query("the and of").Empty())
	assert.Zero(t, s.Query("sculpture").Score(nil))
}

func TestScorer_Terms(t *testing.T) {
	s, err := NewScorer()
	require.NoError(t, err)

	terms := s.Terms("The statues and the statue")
	assert.Len(t, terms, 1, "stop words dropped, plural stemmed")
	assert.Equal(t, terms, s.Terms("statue"))
}

func TestIndex_Suggest(t *testing.T) {
	idx, err := OpenMem()
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.IndexItems(items()))

	n, err := idx.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := idx.Suggest("scp-17", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "scp-173", got[0])

	got, err = idx.Suggest("scp-683", 5)
	require.NoError(t, err)
	assert.Contains(t, got, "scp-682")

	got, err = idx.Suggest("reptile", 5)
	require.NoError(t, err)
	assert.Contains(t, got, "scp-682")

	got, err = idx.Suggest("  ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndex_FromStorage(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	idx, err := Open(filepath.Join(t.TempDir(), "bleve"))
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.IndexFromStorage(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = db.Commit(ctx, "c1", items())
	require.NoError(t, err)

	n, err = idx.IndexFromStorage(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}
