package sync

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/scpdata"
	"github.com/renderinc/scp-archive/internal/storage"
)

// ErrMergeConflict means the index and content file disagree on an item's link
var ErrMergeConflict = errors.New("merge conflict")

const defaultDomain = "scp-wiki.wikidot.com"

// Accepted timestamp layouts, most specific first
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// RecordID resolves the canonical identity of an index record: its link
// field when present, otherwise the key it is published under
func RecordID(rec scpdata.Record) (identifier.ID, error) {
	if rec.Entry != nil && rec.Entry.Link != nil && *rec.Entry.Link != "" {
		return identifier.Resolve(*rec.Entry.Link)
	}
	return identifier.Resolve(rec.Key)
}

// Merge combines an index record with its content file entry (nil when the
// record has no content file). Content values win for every field both
// sides carry; label and number always derive from the link.
func Merge(rec scpdata.Record, content *scpdata.Entry) (*storage.Item, error) {
	id, err := RecordID(rec)
	if err != nil {
		return nil, err
	}

	idx := rec.Entry
	if idx == nil {
		idx = &scpdata.Entry{}
	}
	if content == nil {
		content = &scpdata.Entry{}
	}

	if content.Link != nil && *content.Link != "" {
		cid, err := identifier.Resolve(*content.Link)
		if err != nil || cid.Link != id.Link {
			return nil, fmt.Errorf("%w: index has %s, content file has %q", ErrMergeConflict, id.Link, *content.Link)
		}
	}

	it := &storage.Item{
		Link:        id.Link,
		Label:       id.Label,
		Number:      id.Number,
		Title:       deref(pick(content.Title, idx.Title)),
		Series:      deref(pick(content.Series, idx.Series)),
		Tags:        pickList(content.Tags, idx.Tags),
		Rating:      rating(pickFloat(content.Rating, idx.Rating)),
		CreatedAt:   parseTime(pick(content.CreatedAt, idx.CreatedAt)),
		Creator:     nonEmpty(pick(content.Creator, idx.Creator)),
		URL:         deref(pick(content.URL, idx.URL)),
		Domain:      deref(pick(content.Domain, idx.Domain)),
		PageID:      nonEmpty(flex(pickFlex(content.PageID, idx.PageID))),
		RawSource:   nonEmpty(pick(content.RawSource, idx.RawSource)),
		RawContent:  nonEmpty(pick(content.RawContent, idx.RawContent)),
		Images:      pickList(content.Images, idx.Images),
		Hubs:        pickList(content.Hubs, idx.Hubs),
		References:  pickList(content.References, idx.References),
		History:     history(pickHistory(content.History, idx.History)),
		ContentFile: nonEmpty(idx.ContentFile),
	}

	if it.Title == "" {
		it.Title = it.Label
	}
	if it.Domain == "" {
		it.Domain = defaultDomain
	}
	if it.URL == "" {
		it.URL = "https://" + it.Domain + "/" + it.Link
	}

	return it, nil
}

func pick(content, index *string) *string {
	if content != nil {
		return content
	}
	return index
}

func pickFloat(content, index *float64) *float64 {
	if content != nil {
		return content
	}
	return index
}

func pickFlex(content, index *scpdata.FlexString) *scpdata.FlexString {
	if content != nil {
		return content
	}
	return index
}

func pickList(content, index scpdata.StringList) []string {
	switch {
	case content != nil:
		return append([]string{}, content...)
	case index != nil:
		return append([]string{}, index...)
	default:
		return []string{}
	}
}

func pickHistory(content, index []scpdata.HistoryEntry) []scpdata.HistoryEntry {
	if content != nil {
		return content
	}
	return index
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// nonEmpty treats empty strings as absent
func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func flex(f *scpdata.FlexString) *string {
	if f == nil {
		return nil
	}
	s := f.String()
	return &s
}

func rating(f *float64) int {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return 0
	}
	return int(math.Round(*f))
}

func parseTime(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func history(entries []scpdata.HistoryEntry) []storage.HistoryEntry {
	out := make([]storage.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, storage.HistoryEntry{
			Author:  deref(e.Author),
			Date:    parseTime(e.Date),
			Comment: deref(e.Comment),
		})
	}
	return out
}
