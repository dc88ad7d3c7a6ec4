// Package query serves reads against pinned versions of the archive.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/scp-archive/internal/cache"
	"github.com/renderinc/scp-archive/internal/identifier"
	"github.com/renderinc/scp-archive/internal/search"
	"github.com/renderinc/scp-archive/internal/storage"
)

const (
	maxSuggestions  = 5
	defaultProfiles = 4096
)

// Scorer analyzes queries and documents for ranking
type Scorer interface {
	Query(text string) search.Query
	Profile(d search.Document) *search.Profile
}

// Suggester proposes item links resembling a term
type Suggester interface {
	Suggest(term string, limit int) ([]string, error)
}

// Config tunes the query layer
type Config struct {
	DefaultLimit int
	MaxLimit     int
	CursorSecret []byte
	Cache        cache.ItemCache // optional
	Suggester    Suggester       // optional
	Retention    RetentionInfo
	// ProfileCacheSize bounds the analyzed documents kept between searches
	ProfileCacheSize int
}

// RetentionInfo describes the version retention policy in effect
type RetentionInfo struct {
	Enabled  bool   `json:"enabled"`
	Keep     int    `json:"keep"`
	Schedule string `json:"schedule"`
}

// Pin selects the version a read is served from. The zero Pin means latest.
type Pin struct {
	Version int64
	Commit  string
}

func (p Pin) IsZero() bool {
	return p.Version <= 0 && p.Commit == ""
}

// Layer answers lookups, listings and searches at a single version each
type Layer struct {
	db     *storage.DB
	scorer Scorer
	codec  *Codec
	cfg    Config

	// analyzed documents keyed by row; a row never changes once written
	profiles *lru.Cache[string, *search.Profile]
}

func New(db *storage.DB, scorer Scorer, cfg Config) (*Layer, error) {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 25
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	cfg.DefaultLimit = min(cfg.DefaultLimit, cfg.MaxLimit)
	if cfg.ProfileCacheSize <= 0 {
		cfg.ProfileCacheSize = defaultProfiles
	}

	codec, err := NewCodec(cfg.CursorSecret)
	if err != nil {
		return nil, err
	}
	profiles, err := lru.New[string, *search.Profile](cfg.ProfileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &Layer{db: db, scorer: scorer, codec: codec, cfg: cfg, profiles: profiles}, nil
}

// Hit is the summary of an item in a result page
type Hit struct {
	Link            string     `json:"link"`
	Label           string     `json:"scp"`
	Number          int        `json:"scp_number"`
	Title           string     `json:"title"`
	Rating          int        `json:"rating"`
	Series          string     `json:"series"`
	Tags            []string   `json:"tags"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	Creator         *string    `json:"creator,omitempty"`
	ContentComplete bool       `json:"content_complete"`
	Score           float64    `json:"score,omitempty"`
}

func newHit(sum *storage.Summary, score float64) *Hit {
	return &Hit{
		Link:            sum.Link,
		Label:           sum.Label,
		Number:          sum.Number,
		Title:           sum.Title,
		Rating:          sum.Rating,
		Series:          sum.Series,
		Tags:            sum.Tags,
		CreatedAt:       sum.CreatedAt,
		Creator:         sum.Creator,
		ContentComplete: sum.ContentComplete,
		Score:           score,
	}
}

// Page is one page of a listing or search
type Page struct {
	Items         []*Hit `json:"items"`
	NextCursor    string `json:"next_cursor,omitempty"`
	Version       int64  `json:"version"`
	DatasetCommit string `json:"dataset_commit"`
	Total         int    `json:"total_count"`
}

// ItemResult is a point lookup answer
type ItemResult struct {
	Item          *storage.Item `json:"item"`
	Version       int64         `json:"version"`
	DatasetCommit string        `json:"dataset_commit"`
}

// WithoutContent returns a copy of r with the heavy content fields dropped
func (r *ItemResult) WithoutContent() *ItemResult {
	it := *r.Item
	it.RawSource, it.RawContent, it.Markdown = nil, nil, nil
	it.History = []storage.HistoryEntry{}
	return &ItemResult{Item: &it, Version: r.Version, DatasetCommit: r.DatasetCommit}
}

// ContentResult is the best available content of an item
type ContentResult struct {
	Link          string  `json:"link"`
	Markdown      *string `json:"markdown,omitempty"`
	RawContent    *string `json:"raw_content,omitempty"`
	RawSource     *string `json:"raw_source,omitempty"`
	URL           string  `json:"url"`
	ContentSHA1   *string `json:"content_sha1,omitempty"`
	DatasetCommit string  `json:"dataset_commit"`
	Version       int64   `json:"version"`
	Fallback      bool    `json:"fallback"`
}

// SearchRequest is a ranked free-text query
type SearchRequest struct {
	Query  string
	Filter storage.Filter
	Limit  int
	Cursor string
	Pin    Pin
}

// ListRequest is a filtered listing in identifier order
type ListRequest struct {
	Filter storage.Filter
	Limit  int
	Cursor string
	Pin    Pin
}

// Info describes the archive as currently served
type Info struct {
	DatasetCommit string        `json:"dataset_commit,omitempty"`
	Version       int64         `json:"version,omitempty"`
	Versions      int           `json:"retained_versions"`
	Items         int           `json:"items"`
	Retention     RetentionInfo `json:"retention"`
}

// open starts a snapshot for a pin, translating missing versions into
// stale or empty-archive errors
func (l *Layer) open(ctx context.Context, pin Pin) (*storage.Snapshot, error) {
	number := pin.Version
	if number <= 0 && pin.Commit != "" {
		ver, err := l.db.FindCommit(ctx, pin.Commit)
		if errors.Is(err, storage.ErrVersionNotFound) {
			return nil, l.stale(ctx, ErrStaleVersion, 0)
		}
		if err != nil {
			return nil, err
		}
		number = ver.Number
	}

	snap, err := l.db.Snapshot(ctx, number)
	if errors.Is(err, storage.ErrVersionNotFound) {
		if number <= 0 {
			return nil, ErrEmptyArchive
		}
		return nil, l.stale(ctx, ErrStaleVersion, number)
	}
	if err != nil {
		return nil, err
	}

	if pin.Commit != "" && snap.Version().DatasetCommit != pin.Commit {
		snap.Close()
		return nil, l.stale(ctx, ErrStaleVersion, number)
	}
	return snap, nil
}

// openCursor starts a snapshot at the version a cursor pins
func (l *Layer) openCursor(ctx context.Context, token, kind, digest string) (*storage.Snapshot, Cursor, error) {
	cur, err := l.codec.Decode(token)
	if err != nil {
		return nil, cur, err
	}
	if cur.Kind != kind || cur.Digest != digest {
		return nil, cur, fmt.Errorf("%w: issued for a different request", ErrInvalidCursor)
	}

	snap, err := l.db.Snapshot(ctx, cur.Version)
	if errors.Is(err, storage.ErrVersionNotFound) {
		return nil, cur, l.stale(ctx, ErrStaleCursor, cur.Version)
	}
	if err != nil {
		return nil, cur, err
	}
	return snap, cur, nil
}

func (l *Layer) stale(ctx context.Context, kind error, requested int64) error {
	se := &StaleError{Err: kind, Requested: requested}
	latest, err := l.db.Latest(ctx)
	if err != nil {
		logrus.Warnf("query: latest version for stale read: %v", err)
	}
	if latest != nil {
		se.LatestVersion = latest.Number
		se.LatestCommit = latest.DatasetCommit
	}
	return se
}

// Resolve normalizes an identifier without touching the store
func (l *Layer) Resolve(ident string) (identifier.ID, error) {
	return identifier.Resolve(ident)
}

// Lookup returns one item by identifier at the pinned or latest version
func (l *Layer) Lookup(ctx context.Context, ident string, pin Pin) (*ItemResult, error) {
	id, err := identifier.Resolve(ident)
	if err != nil {
		return nil, err
	}

	snap, err := l.open(ctx, pin)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	ver := snap.Version()
	item, err := l.get(ctx, snap, id.Link)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, l.notFound(ctx, snap, id, ident)
	}

	return &ItemResult{Item: item, Version: ver.Number, DatasetCommit: ver.DatasetCommit}, nil
}

func (l *Layer) get(ctx context.Context, snap *storage.Snapshot, link string) (*storage.Item, error) {
	ver := snap.Version().Number

	if l.cfg.Cache != nil {
		item, err := l.cfg.Cache.GetItem(ctx, ver, link)
		if err != nil {
			logrus.Warnf("query: cache get %s@%d: %v", link, ver, err)
		} else if item != nil {
			return item, nil
		}
	}

	item, err := snap.Get(ctx, link)
	if err != nil || item == nil {
		return item, err
	}

	if l.cfg.Cache != nil {
		if err := l.cfg.Cache.SetItem(ctx, ver, item); err != nil {
			logrus.Warnf("query: cache set %s@%d: %v", link, ver, err)
		}
	}
	return item, nil
}

// Content returns markdown when available, otherwise the raw content with Fallback set
func (l *Layer) Content(ctx context.Context, ident string, pin Pin) (*ContentResult, error) {
	res, err := l.Lookup(ctx, ident, pin)
	if err != nil {
		return nil, err
	}

	it := res.Item
	out := &ContentResult{
		Link:          it.Link,
		URL:           it.URL,
		ContentSHA1:   it.ContentSHA1,
		DatasetCommit: res.DatasetCommit,
		Version:       res.Version,
	}
	if it.Markdown != nil && *it.Markdown != "" {
		out.Markdown = it.Markdown
		return out, nil
	}

	out.RawContent = it.RawContent
	out.RawSource = it.RawSource
	out.Fallback = it.ContentComplete()
	return out, nil
}

// notFound builds a NotFoundError with the nearest identifiers that exist at
// the snapshot: sibling variants and numeric neighbours first, then index
// suggestions
func (l *Layer) notFound(ctx context.Context, snap *storage.Snapshot, id identifier.ID, raw string) error {
	ver := snap.Version()
	nf := &NotFoundError{Link: id.Link, Version: ver.Number, DatasetCommit: ver.DatasetCommit}

	var candidates []string
	add := func(n int, suffix string) {
		if n < 0 {
			return
		}
		link := fmt.Sprintf("scp-%03d", n)
		if suffix != "" {
			link += "-" + suffix
		}
		if link != id.Link {
			candidates = append(candidates, link)
		}
	}
	add(id.Number, "")
	for _, s := range []string{"j", "arc", "ex", "d"} {
		add(id.Number, s)
	}
	for d := 1; d <= 2; d++ {
		add(id.Number-d, "")
		add(id.Number+d, "")
	}

	if l.cfg.Suggester != nil {
		suggested, err := l.cfg.Suggester.Suggest(raw, maxSuggestions*2)
		if err != nil {
			logrus.Warnf("query: suggestions for %q: %v", raw, err)
		}
		candidates = append(candidates, suggested...)
	}

	exists, err := snap.Exists(ctx, candidates)
	if err != nil {
		logrus.Warnf("query: check suggestions for %s: %v", id.Link, err)
		return nf
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	for _, c := range candidates {
		if len(nf.Suggestions) == maxSuggestions {
			break
		}
		if exists[c] && seen.Add(c) {
			nf.Suggestions = append(nf.Suggestions, c)
		}
	}
	return nf
}

func (l *Layer) limit(requested int) int {
	if requested <= 0 {
		return l.cfg.DefaultLimit
	}
	return min(requested, l.cfg.MaxLimit)
}

// digest identifies the request a cursor belongs to
func digest(kind, q string, f storage.Filter) string {
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)

	minRating := ""
	if f.MinRating != nil {
		minRating = strconv.Itoa(*f.MinRating)
	}

	h := sha256.New()
	for _, part := range []string{kind, strings.TrimSpace(q), f.Series, strings.Join(tags, ","), minRating} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// before reports whether a ranks ahead of b in search order: rating desc,
// score desc, number asc, link asc
func before(a, b RankKey) bool {
	if a.Rating != b.Rating {
		return a.Rating > b.Rating
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	return a.Link < b.Link
}

type ranked struct {
	item *storage.Summary
	key  RankKey
}

func profileKey(sum *storage.Summary) string {
	return strconv.FormatInt(sum.Version, 10) + ":" + sum.Link
}

// analyze returns the profile of every summary, analyzing only rows not
// already in the profile cache
func (l *Layer) analyze(ctx context.Context, snap *storage.Snapshot, sums []*storage.Summary) (map[string]*search.Profile, error) {
	out := make(map[string]*search.Profile, len(sums))

	var missing []*storage.Summary
	for _, sum := range sums {
		if p, ok := l.profiles.Get(profileKey(sum)); ok {
			out[sum.Link] = p
			continue
		}
		missing = append(missing, sum)
	}
	if len(missing) == 0 {
		return out, nil
	}

	links := make([]string, len(missing))
	for i, sum := range missing {
		links[i] = sum.Link
	}
	texts, err := snap.Texts(ctx, links)
	if err != nil {
		return nil, err
	}

	for _, sum := range missing {
		p := l.scorer.Profile(search.Document{
			Link:    sum.Link,
			Label:   sum.Label,
			Title:   sum.Title,
			Tags:    sum.Tags,
			Content: texts[sum.Link],
		})
		l.profiles.Add(profileKey(sum), p)
		out[sum.Link] = p
	}
	return out, nil
}

// Search ranks items matching req at one version. The first page pins the
// latest (or requested) version; continuation pages read the cursor's version.
func (l *Layer) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	limit := l.limit(req.Limit)
	dg := digest(kindSearch, req.Query, req.Filter)

	var (
		snap  *storage.Snapshot
		cur   Cursor
		after *RankKey
		err   error
	)
	if req.Cursor != "" {
		snap, cur, err = l.openCursor(ctx, req.Cursor, kindSearch, dg)
		after = &cur.After
	} else {
		snap, err = l.open(ctx, req.Pin)
	}
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	sums, err := snap.Summaries(ctx, req.Filter, nil, 0)
	if err != nil {
		return nil, err
	}

	hasQuery := strings.TrimSpace(req.Query) != ""
	q := l.scorer.Query(req.Query)

	var profiles map[string]*search.Profile
	if hasQuery && !q.Empty() {
		if profiles, err = l.analyze(ctx, snap, sums); err != nil {
			return nil, err
		}
	}

	results := make([]ranked, 0, len(sums))
	for _, it := range sums {
		var score float64
		if hasQuery {
			score = q.Score(profiles[it.Link])
			if score <= 0 {
				continue
			}
		}
		results = append(results, ranked{
			item: it,
			key:  RankKey{Rating: it.Rating, Score: score, Number: it.Number, Link: it.Link},
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return before(results[i].key, results[j].key)
	})

	start := 0
	if after != nil {
		start = sort.Search(len(results), func(i int) bool {
			return before(*after, results[i].key)
		})
	}
	end := min(start+limit, len(results))

	ver := snap.Version()
	page := &Page{
		Items:         make([]*Hit, 0, end-start),
		Version:       ver.Number,
		DatasetCommit: ver.DatasetCommit,
		Total:         len(results),
	}
	for _, r := range results[start:end] {
		page.Items = append(page.Items, newHit(r.item, r.key.Score))
	}

	if end < len(results) {
		next := Cursor{Version: ver.Number, Kind: kindSearch, Digest: dg, After: results[end-1].key}
		if page.NextCursor, err = l.codec.Encode(next); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// List returns items matching req in (number, link) order
func (l *Layer) List(ctx context.Context, req ListRequest) (*Page, error) {
	limit := l.limit(req.Limit)
	dg := digest(kindList, "", req.Filter)

	var (
		snap  *storage.Snapshot
		cur   Cursor
		after *storage.Key
		err   error
	)
	if req.Cursor != "" {
		snap, cur, err = l.openCursor(ctx, req.Cursor, kindList, dg)
		after = &storage.Key{Number: cur.After.Number, Link: cur.After.Link}
	} else {
		snap, err = l.open(ctx, req.Pin)
	}
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	items, err := snap.Summaries(ctx, req.Filter, after, limit+1)
	if err != nil {
		return nil, err
	}
	total, err := snap.Count(ctx, req.Filter)
	if err != nil {
		return nil, err
	}

	ver := snap.Version()
	page := &Page{
		Items:         make([]*Hit, 0, min(len(items), limit)),
		Version:       ver.Number,
		DatasetCommit: ver.DatasetCommit,
		Total:         total,
	}

	more := len(items) > limit
	if more {
		items = items[:limit]
	}
	for _, it := range items {
		page.Items = append(page.Items, newHit(it, 0))
	}

	if more {
		last := items[len(items)-1]
		next := Cursor{Version: ver.Number, Kind: kindList, Digest: dg, After: RankKey{Number: last.Number, Link: last.Link}}
		if page.NextCursor, err = l.codec.Encode(next); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// RelatedRequest asks for the neighbours of one item
type RelatedRequest struct {
	Identifier  string
	IncludeHubs bool
	Limit       int // bounds hub neighbours
	Pin         Pin
}

// RelatedResult lists the items linked to an item at one version
type RelatedResult struct {
	Link          string `json:"link"`
	References    []*Hit `json:"references"`
	ReferencedBy  []*Hit `json:"referenced_by"`
	HubNeighbours []*Hit `json:"hub_neighbours,omitempty"`
	Version       int64  `json:"version"`
	DatasetCommit string `json:"dataset_commit"`
}

// Related returns the items an item references, the items referencing it
// and, when asked, the items sharing a hub with it. Only items present at
// the read version are returned.
func (l *Layer) Related(ctx context.Context, req RelatedRequest) (*RelatedResult, error) {
	id, err := identifier.Resolve(req.Identifier)
	if err != nil {
		return nil, err
	}

	snap, err := l.open(ctx, req.Pin)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	sums, err := snap.Summaries(ctx, storage.Filter{}, nil, 0)
	if err != nil {
		return nil, err
	}

	byLink := make(map[string]*storage.Summary, len(sums))
	for _, sum := range sums {
		byLink[sum.Link] = sum
	}
	src := byLink[id.Link]
	if src == nil {
		return nil, l.notFound(ctx, snap, id, req.Identifier)
	}

	ver := snap.Version()
	res := &RelatedResult{
		Link:          src.Link,
		References:    []*Hit{},
		ReferencedBy:  []*Hit{},
		Version:       ver.Number,
		DatasetCommit: ver.DatasetCommit,
	}

	seen := mapset.NewThreadUnsafeSet(src.Link)
	for _, ref := range src.References {
		rid, err := identifier.Resolve(ref)
		if err != nil {
			continue
		}
		if sum := byLink[rid.Link]; sum != nil && seen.Add(rid.Link) {
			res.References = append(res.References, newHit(sum, 0))
		}
	}

	hubs := mapset.NewThreadUnsafeSet(src.Hubs...)
	type neighbour struct {
		sum    *storage.Summary
		shared int
	}
	var neighbours []neighbour

	for _, sum := range sums {
		if sum.Link == src.Link {
			continue
		}
		for _, ref := range sum.References {
			if rid, err := identifier.Resolve(ref); err == nil && rid.Link == src.Link {
				res.ReferencedBy = append(res.ReferencedBy, newHit(sum, 0))
				break
			}
		}
		if req.IncludeHubs && hubs.Cardinality() > 0 {
			if n := hubs.Intersect(mapset.NewThreadUnsafeSet(sum.Hubs...)).Cardinality(); n > 0 {
				neighbours = append(neighbours, neighbour{sum, n})
			}
		}
	}

	if req.IncludeHubs {
		sort.SliceStable(neighbours, func(i, j int) bool {
			a, b := neighbours[i], neighbours[j]
			if a.shared != b.shared {
				return a.shared > b.shared
			}
			return a.sum.Rating > b.sum.Rating
		})
		limit := l.limit(req.Limit)
		res.HubNeighbours = make([]*Hit, 0, min(limit, len(neighbours)))
		for _, n := range neighbours[:min(limit, len(neighbours))] {
			res.HubNeighbours = append(res.HubNeighbours, newHit(n.sum, 0))
		}
	}
	return res, nil
}

// RandomRequest picks one item matching a filter
type RandomRequest struct {
	Filter storage.Filter
	Seed   uint64 // 0 picks a time based seed
	Pin    Pin
}

// HitResult is a single summarized item
type HitResult struct {
	Item          *Hit   `json:"item"`
	Version       int64  `json:"version"`
	DatasetCommit string `json:"dataset_commit"`
}

// Random returns one item matching req.Filter. The same seed picks the same
// item from the same version.
func (l *Layer) Random(ctx context.Context, req RandomRequest) (*HitResult, error) {
	snap, err := l.open(ctx, req.Pin)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	sums, err := snap.Summaries(ctx, req.Filter, nil, 0)
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, ErrNoMatch
	}

	seed := req.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := rand.New(rand.NewPCG(seed, seed))

	ver := snap.Version()
	return &HitResult{
		Item:          newHit(sums[r.IntN(len(sums))], 0),
		Version:       ver.Number,
		DatasetCommit: ver.DatasetCommit,
	}, nil
}

// Versions lists retained versions, newest first
func (l *Layer) Versions(ctx context.Context) ([]*storage.Version, error) {
	return l.db.Versions(ctx)
}

// Info reports the latest version, its commit and the retention policy
func (l *Layer) Info(ctx context.Context) (*Info, error) {
	stats, err := l.db.Stats(ctx)
	if err != nil {
		return nil, err
	}

	info := &Info{Versions: stats.Versions, Items: stats.Items, Retention: l.cfg.Retention}
	if stats.Latest != nil {
		info.Version = stats.Latest.Number
		info.DatasetCommit = stats.Latest.DatasetCommit
	}
	return info, nil
}
