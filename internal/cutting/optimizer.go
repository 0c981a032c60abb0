// Package cutting assigns required cut lengths onto purchasable stock pipes.
//
// Packing is best-fit-decreasing over heterogeneous bin sizes. Several opening
// strategies are evaluated concurrently and the configured Policy picks the
// winner. The package is pure: it never touches the ledger.
package cutting

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockledger/internal/fixed"
)

type item struct {
	index  int
	length fixed.Decimal
}

type strategy struct {
	name        string
	openLongest bool
	downsize    bool
}

var strategies = []strategy{
	{name: "smallest-fit"},
	{name: "longest-fit-downsized", openLongest: true, downsize: true},
}

// Optimize packs cuts onto the available stock. Invalid, oversized and unsupplied
// cuts are reported per item in the result; only cancellation and arithmetic
// overflow return an error.
func Optimize(ctx context.Context, cuts []fixed.Decimal, stock []Stock, opts Options) (Result, error) {
	if opts.Policy == "" {
		opts.Policy = PolicyPipesFirst
	}
	if opts.Kerf.IsNegative() {
		return Result{}, errors.New("cutting: kerf must not be negative")
	}
	items, invalid := prepare(cuts)
	base := newSupply(stock)

	results := make([]Result, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range strategies {
		g.Go(func() error {
			res, err := pack(gctx, items, base.clone(), opts.Kerf, st)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	best := results[0]
	for _, candidate := range results[1:] {
		if better(candidate, best, opts.Policy) {
			best = candidate
		}
	}
	best.Unsatisfied = append(invalid, best.Unsatisfied...)
	sort.SliceStable(best.Unsatisfied, func(i, j int) bool {
		return best.Unsatisfied[i].Index < best.Unsatisfied[j].Index
	})
	return best, nil
}

func prepare(cuts []fixed.Decimal) ([]item, []Unsatisfied) {
	items := make([]item, 0, len(cuts))
	var invalid []Unsatisfied
	for i, c := range cuts {
		if !c.IsPositive() {
			invalid = append(invalid, Unsatisfied{Index: i, Length: c, Reason: ReasonInvalidCutLength})
			continue
		}
		items = append(items, item{index: i, length: c})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].length.GreaterThan(items[j].length)
	})
	return items, invalid
}

func better(a, b Result, policy Policy) bool {
	if len(a.Unsatisfied) != len(b.Unsatisfied) {
		return len(a.Unsatisfied) < len(b.Unsatisfied)
	}
	pipes := a.PipeCount - b.PipeCount
	scrap := a.TotalScrap.Cmp(b.TotalScrap)
	if policy == PolicyScrapFirst {
		if scrap != 0 {
			return scrap < 0
		}
		return pipes < 0
	}
	if pipes != 0 {
		return pipes < 0
	}
	return scrap < 0
}

type openPipe struct {
	slot       int
	length     fixed.Decimal
	used       fixed.Decimal
	items      []item
	unsupplied bool
}

// free is the room left for the next cut, kerf included.
func (p *openPipe) free(kerf fixed.Decimal) (fixed.Decimal, error) {
	if len(p.items) == 0 {
		return p.length, nil
	}
	rest, err := p.length.Sub(p.used)
	if err != nil {
		return fixed.Zero, err
	}
	return rest.Sub(kerf)
}

func (p *openPipe) add(it item, kerf fixed.Decimal) error {
	next := it.length
	if len(p.items) > 0 {
		var err error
		if next, err = next.Add(kerf); err != nil {
			return err
		}
	}
	used, err := p.used.Add(next)
	if err != nil {
		return err
	}
	p.used = used
	p.items = append(p.items, it)
	return nil
}

func pack(ctx context.Context, items []item, sup *supply, kerf fixed.Decimal, st strategy) (Result, error) {
	var pipes []*openPipe
	var unsatisfied []Unsatisfied
	longest, hasStock := sup.longest()
	for n, it := range items {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		if !hasStock || it.length.GreaterThan(longest) {
			unsatisfied = append(unsatisfied, Unsatisfied{Index: it.index, Length: it.length, Reason: ReasonCutExceedsStock})
			continue
		}
		target, err := bestFit(pipes, it.length, kerf)
		if err != nil {
			return Result{}, err
		}
		if target == nil {
			slot, supplied := sup.pick(it.length, st.openLongest)
			target = &openPipe{slot: slot, length: sup.lengths[slot], unsupplied: !supplied}
			if supplied {
				sup.take(slot)
			}
			pipes = append(pipes, target)
		}
		if err := target.add(it, kerf); err != nil {
			return Result{}, err
		}
	}
	if st.downsize {
		downsize(pipes, sup)
	}
	settle(pipes, sup)
	return assemble(st.name, pipes, unsatisfied, sup)
}

// bestFit returns the open pipe with the least room that still holds length.
// Pipes backed by real stock are preferred over unsupplied ones.
func bestFit(pipes []*openPipe, length, kerf fixed.Decimal) (*openPipe, error) {
	for _, wantUnsupplied := range []bool{false, true} {
		var best *openPipe
		var bestFree fixed.Decimal
		for _, p := range pipes {
			if p.unsupplied != wantUnsupplied {
				continue
			}
			free, err := p.free(kerf)
			if err != nil {
				return nil, err
			}
			if free.LessThan(length) {
				continue
			}
			if best == nil || free.LessThan(bestFree) {
				best, bestFree = p, free
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, nil
}

// downsize moves every supplied pipe onto the shortest length that still holds
// its cuts, largest loads first.
func downsize(pipes []*openPipe, sup *supply) {
	order := make([]*openPipe, 0, len(pipes))
	for _, p := range pipes {
		if !p.unsupplied {
			order = append(order, p)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].used.GreaterThan(order[j].used) })
	for _, p := range order {
		sup.release(p.slot)
		slot, _ := sup.pick(p.used, false)
		sup.take(slot)
		p.slot, p.length = slot, sup.lengths[slot]
	}
}

// settle backs unsupplied pipes with stock freed by downsizing, if any.
func settle(pipes []*openPipe, sup *supply) {
	for _, p := range pipes {
		if !p.unsupplied {
			continue
		}
		if slot, ok := sup.pick(p.used, false); ok {
			sup.take(slot)
			p.slot, p.length, p.unsupplied = slot, sup.lengths[slot], false
		}
	}
}

func assemble(name string, pipes []*openPipe, unsatisfied []Unsatisfied, sup *supply) (Result, error) {
	res := Result{Strategy: name, TotalScrap: fixed.Zero}
	missing := make(map[int]int)
	for _, p := range pipes {
		if p.unsupplied {
			missing[p.slot]++
			for _, it := range p.items {
				unsatisfied = append(unsatisfied, Unsatisfied{Index: it.index, Length: it.length, Reason: ReasonInsufficientStockLength})
			}
			continue
		}
		cuts := make([]fixed.Decimal, len(p.items))
		for i, it := range p.items {
			cuts[i] = it.length
		}
		sum, err := fixed.Sum(cuts...)
		if err != nil {
			return Result{}, err
		}
		scrap, err := p.length.Sub(sum)
		if err != nil {
			return Result{}, err
		}
		if res.TotalScrap, err = res.TotalScrap.Add(scrap); err != nil {
			return Result{}, err
		}
		res.Pipes = append(res.Pipes, Pipe{StockLength: p.length, Cuts: cuts, Scrap: scrap})
	}
	for slot, count := range missing {
		available := sup.initial[slot]
		res.Shortages = append(res.Shortages, Shortage{
			Length:    sup.lengths[slot],
			Required:  available + count,
			Available: available,
			Shortfall: count,
		})
	}
	sort.Slice(res.Shortages, func(i, j int) bool {
		return res.Shortages[i].Length.LessThan(res.Shortages[j].Length)
	})
	res.Unsatisfied = unsatisfied
	res.PipeCount = len(res.Pipes)
	return res, nil
}

type supply struct {
	lengths []fixed.Decimal
	pieces  []int
	initial []int
}

// newSupply merges duplicate lengths and drops empty or non-positive entries.
func newSupply(stock []Stock) *supply {
	sorted := make([]Stock, 0, len(stock))
	for _, s := range stock {
		if s.Pieces > 0 && s.Length.IsPositive() {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Length.LessThan(sorted[j].Length) })
	sup := &supply{}
	for _, s := range sorted {
		n := len(sup.lengths)
		if n > 0 && sup.lengths[n-1].Equal(s.Length) {
			sup.pieces[n-1] += s.Pieces
			sup.initial[n-1] += s.Pieces
			continue
		}
		sup.lengths = append(sup.lengths, s.Length)
		sup.pieces = append(sup.pieces, s.Pieces)
		sup.initial = append(sup.initial, s.Pieces)
	}
	return sup
}

func (s *supply) clone() *supply {
	return &supply{
		lengths: s.lengths,
		pieces:  append([]int(nil), s.pieces...),
		initial: s.initial,
	}
}

func (s *supply) longest() (fixed.Decimal, bool) {
	if len(s.lengths) == 0 {
		return fixed.Zero, false
	}
	return s.lengths[len(s.lengths)-1], true
}

// pick chooses a slot able to hold need. It prefers slots with pieces left and
// otherwise falls back to the shortest fitting slot, reporting supplied=false.
func (s *supply) pick(need fixed.Decimal, longest bool) (int, bool) {
	fallback := -1
	if longest {
		for i := len(s.lengths) - 1; i >= 0 && !s.lengths[i].LessThan(need); i-- {
			if s.pieces[i] > 0 {
				return i, true
			}
			fallback = i
		}
		return fallback, false
	}
	for i, l := range s.lengths {
		if l.LessThan(need) {
			continue
		}
		if s.pieces[i] > 0 {
			return i, true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback, false
}

func (s *supply) take(slot int)    { s.pieces[slot]-- }
func (s *supply) release(slot int) { s.pieces[slot]++ }
