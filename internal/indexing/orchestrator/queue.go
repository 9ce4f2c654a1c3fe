package orchestrator

// roundSet is an insertion-ordered set of round numbers.
type roundSet struct {
	order   []uint64
	members map[uint64]struct{}
}

func newRoundSet() *roundSet {
	return &roundSet{members: make(map[uint64]struct{})}
}

func (s *roundSet) Has(round uint64) bool {
	_, ok := s.members[round]
	return ok
}

// Push appends round unless it is already a member.
func (s *roundSet) Push(round uint64) bool {
	if s.Has(round) {
		return false
	}
	s.members[round] = struct{}{}
	s.order = append(s.order, round)
	return true
}

// PushFront puts round at the head, moving it if already a member.
func (s *roundSet) PushFront(round uint64) {
	s.members[round] = struct{}{}
	s.order = append([]uint64{round}, s.order...)
}

// Remove drops round. Its slot in order is skipped lazily by Pop.
func (s *roundSet) Remove(round uint64) {
	delete(s.members, round)
}

func (s *roundSet) Pop() (uint64, bool) {
	for len(s.order) > 0 {
		round := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.members[round]; ok {
			delete(s.members, round)
			return round, true
		}
	}
	return 0, false
}

func (s *roundSet) Len() int {
	return len(s.members)
}
