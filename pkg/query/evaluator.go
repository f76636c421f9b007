package query

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"galleryindex/pkg/common"
	"galleryindex/pkg/core/idset"
	"galleryindex/pkg/core/nozomi"
	"galleryindex/pkg/core/search"
	"galleryindex/pkg/monitor"
)

// maxGalleriesBlob bounds the data pointer of a galleries match.
const maxGalleriesBlob = 100_000_000

// Index is the B-tree surface the evaluator needs.
type Index interface {
	Search(ctx context.Context, field string, key common.SearchKey) (common.DataPointer, bool, error)
	FetchData(ctx context.Context, field string, ptr common.DataPointer) ([]byte, error)
}

// NozomiSource fetches nozomi lists.
type NozomiSource interface {
	URL(elem ...string) string
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
	FetchRangeTotal(ctx context.Context, rawURL string, start, end uint64) ([]byte, int64, error)
}

type Evaluator struct {
	index          Index
	nozomi         NozomiSource
	prefix         string
	maxConcurrency int
	stats          *monitor.WorkloadStats
}

// NewEvaluator wires an evaluator. prefix is the nozomi directory ("n") and
// maxConcurrency bounds the sibling sub-queries running at once.
func NewEvaluator(index Index, src NozomiSource, prefix string, maxConcurrency int, stats *monitor.WorkloadStats) *Evaluator {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if stats == nil {
		stats = monitor.NewWorkloadStats()
	}
	return &Evaluator{
		index:          index,
		nozomi:         src,
		prefix:         prefix,
		maxConcurrency: maxConcurrency,
		stats:          stats,
	}
}

// Search parses free text and evaluates it.
func (e *Evaluator) Search(ctx context.Context, text string) (*idset.Set, error) {
	q, err := ParseFreeText(text)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, q)
}

// Evaluate resolves q into gallery ids. Unreachable or corrupt remote data
// inside a leaf makes that leaf empty. Errors are returned only for an
// invalid tree, an unresolvable index version or a cancelled ctx.
func (e *Evaluator) Evaluate(ctx context.Context, q Query) (*idset.Set, error) {
	if err := Validate(q); err != nil {
		return nil, err
	}
	e.stats.RecordSearch()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return e.newEvaluation(ctx).eval(ctx, q)
}

// Page reads ids [offset, offset+limit) of one nozomi list and reports how
// many ids the whole list holds. A page past the end is empty.
func (e *Evaluator) Page(ctx context.Context, area, tag, language string, offset, limit int) ([]uint32, int, error) {
	if offset < 0 || offset >= nozomi.MaxGalleries || limit <= 0 {
		return nil, 0, pkgerrors.Wrapf(common.ErrQueryConstruction, "bad page offset=%d limit=%d", offset, limit)
	}
	if limit > nozomi.MaxGalleries {
		limit = nozomi.MaxGalleries
	}
	u := e.nozomi.URL(nozomi.Path(e.prefix, area, tag, language))
	start := uint64(offset) * 4
	end := (uint64(offset)+uint64(limit))*4 - 1
	buf, total, err := e.nozomi.FetchRangeTotal(ctx, u, start, end)
	if err != nil {
		return nil, 0, err
	}
	ids, err := nozomi.Decode(buf)
	if err != nil {
		return nil, 0, err
	}
	if total < 0 {
		return ids, offset + len(ids), nil
	}
	return ids, int(total / 4), nil
}

var errShortCircuit = errors.New("and: empty operand")

// evaluation is the state of one Evaluate call. The universe is fetched
// under root, never under a branch's ctx.
type evaluation struct {
	*Evaluator

	root         context.Context
	universeOnce sync.Once
	universeDone chan struct{}
	universe     *idset.Set
	universeErr  error
}

func (e *Evaluator) newEvaluation(root context.Context) *evaluation {
	return &evaluation{Evaluator: e, root: root, universeDone: make(chan struct{})}
}

func (r *evaluation) eval(ctx context.Context, q Query) (*idset.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch n := q.(type) {
	case Tag:
		return r.tag(ctx, n)
	case And:
		return r.and(ctx, n.Children)
	case Or:
		return r.or(ctx, n.Children)
	case Not:
		return r.not(ctx, n.Inner)
	default:
		return nil, pkgerrors.Wrapf(common.ErrQueryConstruction, "unknown node %T", q)
	}
}

func (r *evaluation) tag(ctx context.Context, t Tag) (*idset.Set, error) {
	ns := strings.ToLower(strings.TrimSpace(t.Namespace))
	term := common.NormalizeTerm(t.Term)

	switch ns {
	case NamespaceFemale, NamespaceMale:
		return r.nozomiSet(ctx, "tag", ns+":"+term, "all")
	case NamespaceLanguage:
		if term == "all" {
			return r.all(ctx)
		}
		return r.nozomiSet(ctx, "", "index", term)
	default:
		return r.galleries(ctx, term)
	}
}

// all returns the universe, fetching it at most once per evaluation.
// Waiters give up as soon as their own ctx is done.
func (r *evaluation) all(ctx context.Context) (*idset.Set, error) {
	r.universeOnce.Do(func() {
		go func() {
			defer close(r.universeDone)
			r.universe, r.universeErr = r.nozomiSet(r.root, "", "index", "all")
		}()
	})
	select {
	case <-r.universeDone:
		return r.universe, r.universeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *evaluation) nozomiSet(ctx context.Context, area, tag, language string) (*idset.Set, error) {
	p := nozomi.Path(r.prefix, area, tag, language)
	buf, err := r.nozomi.Fetch(ctx, r.nozomi.URL(p))
	if err != nil {
		return r.degrade(err, p)
	}
	ids, err := nozomi.Decode(buf)
	if err != nil {
		return r.degrade(err, p)
	}
	return idset.From(ids), nil
}

func (r *evaluation) galleries(ctx context.Context, term string) (*idset.Set, error) {
	ptr, ok, err := r.index.Search(ctx, search.FieldGalleries, common.HashTerm(term))
	if err != nil {
		return r.degrade(err, term)
	}
	if !ok {
		return idset.New(), nil
	}
	if ptr.Length <= 0 || ptr.Length > maxGalleriesBlob {
		return r.degrade(pkgerrors.Wrapf(common.ErrCorruptData, "galleries blob length %d", ptr.Length), term)
	}
	blob, err := r.index.FetchData(ctx, search.FieldGalleries, ptr)
	if err != nil {
		return r.degrade(err, term)
	}
	ids, err := nozomi.DecodeGalleries(blob)
	if err != nil {
		return r.degrade(err, term)
	}
	return idset.From(ids), nil
}

// degrade turns unreachable or corrupt remote data into an empty result.
func (r *evaluation) degrade(err error, what string) (*idset.Set, error) {
	if !common.IsDegradable(err) {
		return nil, err
	}
	r.stats.RecordDegraded()
	log.Printf("[Query] %s resolved to nothing: %v", what, err)
	return idset.New(), nil
}

func (r *evaluation) and(ctx context.Context, children []Query) (*idset.Set, error) {
	sets, err := r.evalAll(ctx, children, true)
	if errors.Is(err, errShortCircuit) {
		return idset.New(), nil
	}
	if err != nil {
		return nil, err
	}
	// smallest first keeps every intermediate result small
	sort.Slice(sets, func(i, j int) bool { return sets[i].Len() < sets[j].Len() })
	out := sets[0]
	for _, s := range sets[1:] {
		out = idset.Intersect(out, s)
		if out.Empty() {
			break
		}
	}
	return out, nil
}

func (r *evaluation) or(ctx context.Context, children []Query) (*idset.Set, error) {
	sets, err := r.evalAll(ctx, children, false)
	if err != nil {
		return nil, err
	}
	out := sets[0]
	for _, s := range sets[1:] {
		out = idset.Union(out, s)
	}
	return out, nil
}

func (r *evaluation) not(ctx context.Context, inner Query) (*idset.Set, error) {
	var universe, excluded *idset.Set
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		universe, err = r.all(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		excluded, err = r.eval(gctx, inner)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return idset.Difference(universe, excluded), nil
}

// evalAll evaluates siblings concurrently. With stopOnEmpty the first empty
// result cancels the rest and errShortCircuit is returned.
func (r *evaluation) evalAll(ctx context.Context, qs []Query, stopOnEmpty bool) ([]*idset.Set, error) {
	out := make([]*idset.Set, len(qs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, q := range qs {
		i, q := i, q
		g.Go(func() error {
			s, err := r.eval(gctx, q)
			if err != nil {
				return err
			}
			out[i] = s
			if stopOnEmpty && s.Empty() {
				return errShortCircuit
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
