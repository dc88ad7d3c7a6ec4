package sync

import (
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/scpdata"
)

// ErrNoMatch means a selector matched no record of the index
var ErrNoMatch = errors.New("no records match selection")

// Selector narrows an index to part of the archive. The zero value selects
// everything.
type Selector struct {
	Identifiers []string // any identifier form
	Range       string   // inclusive number range, e.g. "100-200"
	Random      int      // sample size after the other filters
	Seed        uint64   // 0 picks a time based seed
}

func (s Selector) empty() bool {
	return len(s.Identifiers) == 0 && s.Range == "" && s.Random <= 0
}

// Apply returns the records s selects, in index order. Records whose
// identifier cannot be resolved only survive an empty selector, so they
// are still reported as failures of a full ingest.
func (s Selector) Apply(records []scpdata.Record) ([]scpdata.Record, error) {
	if s.empty() {
		return records, nil
	}

	picked, err := s.Pick(len(records), func(i int) (identifier.ID, bool) {
		id, err := RecordID(records[i])
		return id, err == nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]scpdata.Record, len(picked))
	for i, p := range picked {
		out[i] = records[p]
	}
	return out, nil
}

// Pick returns the positions, in ascending order, of the entries s selects
// out of n. id returns the identifier of entry i, or false if it has none.
// An empty selector picks every entry; otherwise an empty pick is ErrNoMatch.
func (s Selector) Pick(n int, id func(i int) (identifier.ID, bool)) ([]int, error) {
	if s.empty() {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	var links map[string]bool
	if len(s.Identifiers) > 0 {
		links = make(map[string]bool, len(s.Identifiers))
		for _, raw := range s.Identifiers {
			rid, err := identifier.Resolve(raw)
			if err != nil {
				return nil, err
			}
			links[rid.Link] = true
		}
	}

	lo, hi := 0, -1
	if s.Range != "" {
		var err error
		if lo, hi, err = identifier.ParseRange(s.Range); err != nil {
			return nil, err
		}
	}

	out := make([]int, 0, n)
	for i := range n {
		eid, ok := id(i)
		if !ok {
			continue
		}
		if links != nil && !links[eid.Link] {
			continue
		}
		if s.Range != "" && (eid.Number < lo || eid.Number > hi) {
			continue
		}
		out = append(out, i)
	}

	if s.Random > 0 && s.Random < len(out) {
		seed := s.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		r := rand.New(rand.NewPCG(seed, seed))
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		out = out[:s.Random]
		sort.Ints(out)
	}

	if len(out) == 0 {
		return nil, ErrNoMatch
	}
	return out, nil
}
