package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/scpdata"
	"github.com/renderinc/scp-archive/internal/storage"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func TestMerge_ContentTakesPrecedence(t *testing.T) {
	rec := scpdata.Record{Key: "SCP-173", Entry: &scpdata.Entry{
		Link:        strPtr("scp-173"),
		Title:       strPtr("The Sculpture (index)"),
		Series:      strPtr("series-1"),
		Tags:        scpdata.StringList{"euclid"},
		Rating:      floatPtr(4999.6),
		Creator:     strPtr("Moto42"),
		ContentFile: strPtr("content_series-1.json"),
	}}
	content := &scpdata.Entry{
		Link:       strPtr("scp-173"),
		Title:      strPtr("The Sculpture"),
		Tags:       scpdata.StringList{"euclid", "sculpture"},
		RawContent: strPtr("<p>Moved to Site-19</p>"),
	}

	it, err := Merge(rec, content)
	require.NoError(t, err)

	assert.Equal(t, "scp-173", it.Link)
	assert.Equal(t, "SCP-173", it.Label)
	assert.Equal(t, 173, it.Number)
	assert.Equal(t, "The Sculpture", it.Title)
	assert.Equal(t, []string{"euclid", "sculpture"}, it.Tags)
	assert.Equal(t, "series-1", it.Series, "index-only fields are kept")
	assert.Equal(t, 5000, it.Rating)
	assert.Equal(t, "Moto42", *it.Creator)
	assert.Equal(t, "<p>Moved to Site-19</p>", *it.RawContent)
	assert.Equal(t, "content_series-1.json", *it.ContentFile)
}

func TestMerge_MetadataOnly(t *testing.T) {
	rec := scpdata.Record{Key: "SCP-002", Entry: &scpdata.Entry{Title: strPtr("The \"Living\" Room")}}

	it, err := Merge(rec, nil)
	require.NoError(t, err)

	assert.Equal(t, "scp-002", it.Link, "key is the fallback link")
	assert.False(t, it.ContentComplete())
	assert.Nil(t, Fingerprint(it))
	assert.Equal(t, "scp-wiki.wikidot.com", it.Domain)
	assert.Equal(t, "https://scp-wiki.wikidot.com/scp-002", it.URL)
	assert.Equal(t, []string{}, it.Tags)
	assert.Equal(t, []string{}, it.Images)
	assert.Equal(t, []storage.HistoryEntry{}, it.History)
}

func TestMerge_Defaults(t *testing.T) {
	it, err := Merge(scpdata.Record{Key: "scp-049-j"}, &scpdata.Entry{
		RawContent: strPtr(""),
		RawSource:  strPtr("[[div]]"),
	})
	require.NoError(t, err)

	assert.Equal(t, "SCP-049-J", it.Title, "title falls back to the label")
	assert.Nil(t, it.RawContent, "empty strings count as absent")
	assert.Equal(t, "[[div]]", *it.PrimaryContent())
}

func TestMerge_LinkConflict(t *testing.T) {
	rec := scpdata.Record{Key: "SCP-173", Entry: &scpdata.Entry{Link: strPtr("scp-173")}}

	_, err := Merge(rec, &scpdata.Entry{Link: strPtr("scp-174")})
	assert.True(t, errors.Is(err, ErrMergeConflict))

	// Equivalent identifier forms are not a conflict
	_, err = Merge(rec, &scpdata.Entry{Link: strPtr("SCP-173")})
	assert.NoError(t, err)
}

func TestMerge_InvalidIdentifier(t *testing.T) {
	_, err := Merge(scpdata.Record{Key: "not-an-item"}, nil)
	assert.True(t, errors.Is(err, identifier.ErrInvalidIdentifier))
}

func TestMerge_Timestamps(t *testing.T) {
	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2008-07-25T20:49:00Z", timePtr(time.Date(2008, 7, 25, 20, 49, 0, 0, time.UTC))},
		{"2008-07-25T22:49:00+02:00", timePtr(time.Date(2008, 7, 25, 20, 49, 0, 0, time.UTC))},
		{"2008-07-25T20:49:00", timePtr(time.Date(2008, 7, 25, 20, 49, 0, 0, time.UTC))},
		{"2008-07-25", timePtr(time.Date(2008, 7, 25, 0, 0, 0, 0, time.UTC))},
		{"last tuesday", nil},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			it, err := Merge(scpdata.Record{Key: "SCP-173", Entry: &scpdata.Entry{
				CreatedAt: strPtr(tt.in),
				History:   []scpdata.HistoryEntry{{Author: strPtr("a"), Date: strPtr(tt.in)}},
			}}, nil)
			require.NoError(t, err)

			if tt.want == nil {
				assert.Nil(t, it.CreatedAt)
				assert.Nil(t, it.History[0].Date)
				return
			}
			require.NotNil(t, it.CreatedAt)
			assert.True(t, tt.want.Equal(*it.CreatedAt))
			assert.True(t, tt.want.Equal(*it.History[0].Date))
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestDecide(t *testing.T) {
	a, b := strPtr("a"), strPtr("b")

	tests := []struct {
		name     string
		stored   *string
		exists   bool
		incoming *string
		want     Decision
	}{
		{"new link", nil, false, a, Insert},
		{"new metadata-only link", nil, false, nil, Insert},
		{"same content", a, true, strPtr("a"), Skip},
		{"changed content", a, true, b, Update},
		{"content added", nil, true, a, Update},
		{"content removed", a, true, nil, Update},
		{"both metadata-only", nil, true, nil, Skip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.stored, tt.exists, tt.incoming))
		})
	}
}

func TestFingerprint(t *testing.T) {
	it := &storage.Item{RawSource: strPtr("source"), RawContent: strPtr("content")}
	fp := Fingerprint(it)
	require.NotNil(t, fp)
	assert.Len(t, *fp, 40)

	it.RawContent = nil
	other := Fingerprint(it)
	assert.NotEqual(t, *fp, *other, "falls back to raw_source")
	assert.Equal(t, *other, *Fingerprint(&storage.Item{RawSource: strPtr("source")}))
}
