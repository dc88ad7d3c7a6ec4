package search

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"

	"github.com/renderinc/scp-archive/internal/identifier"
)

// Field weights, mirroring the title boost of the keyword index
const (
	titleWeight   = 3.0
	labelWeight   = 3.0
	tagWeight     = 2.0
	contentWeight = 1.0
	exactIDBoost  = 10.0
)

// Scorer ranks items against a free-text query. It is a pure function of
// (query, item): no corpus statistics, so a score never depends on which
// version or page it is computed for.
type Scorer struct {
	analyzer analysis.Analyzer
}

// NewScorer creates a scorer using the English analyzer (stemming, stop words)
func NewScorer() (*Scorer, error) {
	analyzer := bleve.NewIndexMapping().AnalyzerNamed(en.AnalyzerName)
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer %q not registered", en.AnalyzerName)
	}
	return &Scorer{analyzer: analyzer}, nil
}

// Terms returns the distinct analyzed terms of text in sorted order
func (s *Scorer) Terms(text string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, tok := range s.analyzer.Analyze([]byte(text)) {
		t := string(tok.Term)
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	sort.Strings(terms)
	return terms
}

// Document is the text of an item that ranking reads
type Document struct {
	Link    string
	Label   string
	Title   string
	Tags    []string
	Content string // markdown, else raw content
}

// Profile is an analyzed Document: term frequencies per weighted field.
// Profiles depend only on the document, so they can be reused across queries.
type Profile struct {
	link   string
	fields [4]map[string]int
}

var fieldWeights = [4]float64{titleWeight, labelWeight, tagWeight, contentWeight}

// Profile analyzes d
func (s *Scorer) Profile(d Document) *Profile {
	p := &Profile{link: d.Link}
	for i, text := range [4]string{d.Title, d.Label + " " + d.Link, strings.Join(d.Tags, " "), d.Content} {
		if strings.TrimSpace(text) != "" {
			p.fields[i] = s.frequencies(text)
		}
	}
	return p
}

// Query is an analyzed search query
type Query struct {
	terms []string
	link  string // set when the query is itself an identifier
}

// Query analyzes text once for scoring against many profiles
func (s *Scorer) Query(text string) Query {
	q := Query{terms: s.Terms(text)}
	if id, err := identifier.Resolve(text); err == nil {
		q.link = id.Link
	}
	return q
}

// Empty reports whether the query has no searchable terms
func (q Query) Empty() bool {
	return len(q.terms) == 0
}

// Score returns the relevance of p for q; zero means no match
func (q Query) Score(p *Profile) float64 {
	if q.Empty() || p == nil {
		return 0
	}

	var score float64
	for i, freq := range p.fields {
		for _, t := range q.terms {
			if tf := freq[t]; tf > 0 {
				score += fieldWeights[i] * (1 + math.Log(float64(tf)))
			}
		}
	}

	if q.link != "" && q.link == p.link {
		score += exactIDBoost
	}
	return score
}

func (s *Scorer) frequencies(text string) map[string]int {
	freq := map[string]int{}
	for _, tok := range s.analyzer.Analyze([]byte(text)) {
		freq[string(tok.Term)]++
	}
	return freq
}
