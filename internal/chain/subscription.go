package chain

// DefaultBatchSize is the maximum symbols sent per subscribe call.
const DefaultBatchSize = 50

// SymbolSet is an insertion-ordered set of subscription symbols.
// Iteration order is deterministic for a given universe.
type SymbolSet struct {
	order  []string
	member map[string]struct{}
}

// NewSymbolSet creates a symbol set with the given symbols.
func NewSymbolSet(symbols ...string) *SymbolSet {
	s := &SymbolSet{member: make(map[string]struct{}, len(symbols))}
	s.Add(symbols...)
	return s
}

// Add appends symbols not already present, preserving insertion order.
func (s *SymbolSet) Add(symbols ...string) {
	for _, sym := range symbols {
		if _, ok := s.member[sym]; ok {
			continue
		}
		s.member[sym] = struct{}{}
		s.order = append(s.order, sym)
	}
}

// Contains reports whether sym is in the set.
func (s *SymbolSet) Contains(sym string) bool {
	if s == nil {
		return false
	}
	_, ok := s.member[sym]
	return ok
}

// Len returns the number of symbols in the set.
func (s *SymbolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Symbols returns the symbols in insertion order.
func (s *SymbolSet) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Delta is a minimal batched subscription change. On ATM shift only the
// delta is sent; a connection switch resends the full required set.
type Delta struct {
	Add    []string
	Remove []string
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// Diff computes the minimal delta from prev to required, satisfying
// prev ∪ Add − Remove = required and Add ∩ Remove = ∅.
func Diff(prev, required *SymbolSet) Delta {
	var d Delta
	for _, sym := range required.Symbols() {
		if !prev.Contains(sym) {
			d.Add = append(d.Add, sym)
		}
	}
	if prev != nil {
		for _, sym := range prev.Symbols() {
			if !required.Contains(sym) {
				d.Remove = append(d.Remove, sym)
			}
		}
	}
	return d
}

// Batches splits symbols into chunks of at most size, preserving order.
func Batches(symbols []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}
