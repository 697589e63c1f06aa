package orderbook

// processedSet remembers order ids in arrival order and forgets the oldest
// once capacity is reached. Eviction order depends only on insertion order,
// so two books fed the same results hold the same set.
type processedSet struct {
	capacity int
	ids      map[string]struct{}
	fifo     []string
	head     int
}

func newProcessedSet(capacity int) *processedSet {
	return &processedSet{
		capacity: capacity,
		ids:      make(map[string]struct{}),
	}
}

func (s *processedSet) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *processedSet) add(id string) {
	if s.contains(id) {
		return
	}
	s.ids[id] = struct{}{}
	s.fifo = append(s.fifo, id)

	for s.capacity > 0 && len(s.ids) > s.capacity {
		delete(s.ids, s.fifo[s.head])
		s.fifo[s.head] = ""
		s.head++
	}
	if s.head > 1024 && s.head*2 > len(s.fifo) {
		s.fifo = append([]string(nil), s.fifo[s.head:]...)
		s.head = 0
	}
}

func (s *processedSet) list() []string {
	return append([]string(nil), s.fifo[s.head:]...)
}

func (s *processedSet) len() int {
	return len(s.ids)
}
