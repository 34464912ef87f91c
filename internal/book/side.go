package book

import (
	"container/heap"
	"container/list"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// side holds one currency's resting offers: a min-heap of rate levels with
// a FIFO list per level (price-time priority). refs keeps every offer ever
// posted, terminal ones unlinked from their level, so lookups and audit
// listings survive completion.
type side struct {
	mu     sync.Mutex
	levels map[string]*rateLevel
	heap   rateHeap
	refs   map[uuid.UUID]*offerRef
}

type offerRef struct {
	offer   *Offer
	element *list.Element
	level   *rateLevel
}

type rateLevel struct {
	rate   decimal.Decimal
	key    string
	orders *list.List
	index  int
}

func newSide() *side {
	s := &side{
		levels: make(map[string]*rateLevel),
		refs:   make(map[uuid.UUID]*offerRef),
	}
	heap.Init(&s.heap)
	return s
}

func (s *side) insert(offer *Offer) *offerRef {
	key := offer.Rate.String()
	level := s.levels[key]
	if level == nil {
		level = &rateLevel{rate: offer.Rate, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	ref := &offerRef{
		offer:   offer,
		element: level.orders.PushBack(offer),
		level:   level,
	}
	s.refs[offer.ID] = ref
	return ref
}

// unlink removes the offer from its rate level, dropping the level when it
// empties. The ref itself stays for lookups.
func (s *side) unlink(ref *offerRef) {
	if ref == nil || ref.level == nil || ref.element == nil {
		return
	}
	ref.level.orders.Remove(ref.element)
	if ref.level.orders.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
	ref.element = nil
	ref.level = nil
}

// relink puts a previously unlinked offer back onto its rate level. Losing
// its original queue position is acceptable: reinstatement only happens on
// settlement rollback.
func (s *side) relink(ref *offerRef) {
	if ref == nil || ref.element != nil {
		return
	}
	key := ref.offer.Rate.String()
	level := s.levels[key]
	if level == nil {
		level = &rateLevel{rate: ref.offer.Rate, key: key, orders: list.New()}
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	ref.level = level
	ref.element = level.orders.PushBack(ref.offer)
}

func (s *side) best() *rateLevel {
	if s.heap.Len() == 0 {
		return nil
	}
	return s.heap.levels[0]
}

func (s *side) sortedLevels() []*rateLevel {
	levels := make([]*rateLevel, 0, len(s.levels))
	for _, level := range s.levels {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		return levels[i].rate.Cmp(levels[j].rate) < 0
	})
	return levels
}

type rateHeap struct {
	levels []*rateLevel
}

func (h rateHeap) Len() int { return len(h.levels) }

func (h rateHeap) Less(i, j int) bool {
	return h.levels[i].rate.Cmp(h.levels[j].rate) < 0
}

func (h rateHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *rateHeap) Push(x interface{}) {
	level := x.(*rateLevel)
	level.index = len(h.levels)
	h.levels = append(h.levels, level)
}

func (h *rateHeap) Pop() interface{} {
	old := h.levels
	n := len(old)
	item := old[n-1]
	item.index = -1
	h.levels = old[:n-1]
	return item
}
