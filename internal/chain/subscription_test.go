package chain

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSymbolSetOrder(t *testing.T) {
	s := NewSymbolSet("B", "A", "C", "A")

	got := s.Symbols()
	want := []string{"B", "A", "C"}
	if len(got) != len(want) {
		t.Fatalf("set has %d symbols, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("symbol[%d] = %s, want %s (insertion order must be preserved)", i, got[i], want[i])
		}
	}
	if !s.Contains("A") || s.Contains("D") {
		t.Error("membership checks wrong")
	}
}

func TestDiffDisjointAndComplete(t *testing.T) {
	prev := NewSymbolSet("A", "B", "C")
	required := NewSymbolSet("B", "C", "D", "E")

	d := Diff(prev, required)

	if len(d.Add) != 2 || d.Add[0] != "D" || d.Add[1] != "E" {
		t.Errorf("Add = %v, want [D E]", d.Add)
	}
	if len(d.Remove) != 1 || d.Remove[0] != "A" {
		t.Errorf("Remove = %v, want [A]", d.Remove)
	}
}

func TestDiffIdentical(t *testing.T) {
	prev := NewSymbolSet("A", "B")
	required := NewSymbolSet("A", "B")
	if d := Diff(prev, required); !d.Empty() {
		t.Errorf("identical sets must produce an empty delta, got %+v", d)
	}
}

func TestDiffNilPrev(t *testing.T) {
	required := NewSymbolSet("A", "B")
	d := Diff(nil, required)
	if len(d.Add) != 2 || len(d.Remove) != 0 {
		t.Errorf("nil prev must add everything, got %+v", d)
	}
}

func TestBatches(t *testing.T) {
	symbols := make([]string, 0, 120)
	for i := 0; i < 120; i++ {
		symbols = append(symbols, string(rune('A'+i%26)))
	}

	batches := Batches(symbols, 50)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	if len(batches[0]) != 50 || len(batches[1]) != 50 || len(batches[2]) != 20 {
		t.Errorf("batch sizes = %d,%d,%d, want 50,50,20", len(batches[0]), len(batches[1]), len(batches[2]))
	}

	if got := Batches(nil, 50); got != nil {
		t.Errorf("empty input must produce no batches, got %v", got)
	}
}

// Property: the delta reconciles prev into required exactly, with
// disjoint add and remove lists, and batching never exceeds the cap or
// reorders symbols.
func TestProperty_DeltaReconciles(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbolGen := gen.SliceOf(gen.OneConstOf(
		"S1", "S2", "S3", "S4", "S5", "S6", "S7", "S8", "S9", "S10",
		"S11", "S12", "S13", "S14", "S15", "S16", "S17", "S18", "S19", "S20",
	))

	properties.Property("prev ∪ add − remove = required, add ∩ remove = ∅", prop.ForAll(
		func(prevSyms, reqSyms []string) bool {
			prev := NewSymbolSet(prevSyms...)
			required := NewSymbolSet(reqSyms...)
			d := Diff(prev, required)

			next := NewSymbolSet(prev.Symbols()...)
			next.Add(d.Add...)
			removed := make(map[string]bool, len(d.Remove))
			for _, sym := range d.Remove {
				removed[sym] = true
				if prev != nil && !prev.Contains(sym) {
					return false // removing something never held
				}
			}
			for _, sym := range d.Add {
				if removed[sym] {
					return false // add and remove overlap
				}
				if prev.Contains(sym) {
					return false // adding something already held
				}
			}

			final := make(map[string]bool)
			for _, sym := range next.Symbols() {
				if !removed[sym] {
					final[sym] = true
				}
			}
			if len(final) != required.Len() {
				return false
			}
			for _, sym := range required.Symbols() {
				if !final[sym] {
					return false
				}
			}
			return true
		},
		symbolGen,
		symbolGen,
	))

	properties.Property("batches cap at size and preserve order", prop.ForAll(
		func(syms []string, size int) bool {
			batches := Batches(syms, size)
			var flat []string
			for _, b := range batches {
				if len(b) == 0 || len(b) > size {
					return false
				}
				flat = append(flat, b...)
			}
			if len(flat) != len(syms) {
				return false
			}
			for i := range syms {
				if flat[i] != syms[i] {
					return false
				}
			}
			return true
		},
		symbolGen,
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}
