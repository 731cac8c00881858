package withdraw

// ActiveSet is an unordered set of request ids with O(1) add, remove and
// membership, and O(k) enumeration of its k members.
type ActiveSet struct {
	pos map[uint64]int
	ids []uint64
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{pos: make(map[uint64]int)}
}

// Add inserts id and reports whether it was absent.
func (s *ActiveSet) Add(id uint64) bool {
	if s.pos == nil {
		s.pos = make(map[uint64]int)
	}
	if _, ok := s.pos[id]; ok {
		return false
	}
	s.pos[id] = len(s.ids)
	s.ids = append(s.ids, id)
	return true
}

// Remove deletes id and reports whether it was present.
func (s *ActiveSet) Remove(id uint64) bool {
	i, ok := s.pos[id]
	if !ok {
		return false
	}
	last := len(s.ids) - 1
	if i != last {
		moved := s.ids[last]
		s.ids[i] = moved
		s.pos[moved] = i
	}
	s.ids = s.ids[:last]
	delete(s.pos, id)
	return true
}

func (s *ActiveSet) Contains(id uint64) bool {
	if s == nil {
		return false
	}
	_, ok := s.pos[id]
	return ok
}

func (s *ActiveSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// IDs returns a copy of the members in unspecified order.
func (s *ActiveSet) IDs() []uint64 {
	if s == nil {
		return nil
	}
	return append([]uint64(nil), s.ids...)
}
