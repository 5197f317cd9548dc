package buffer

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: after N > bound distinct inserts, exactly the oldest N-bound keys
// are gone and the rest remain in insertion order.
func TestFIFOMap_EvictsOldestFirst(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("evicts exactly the oldest entries", prop.ForAll(
		func(bound, extra int) bool {
			m := NewFIFOMap[string, int](bound)
			n := bound + extra
			var evicted []string
			for i := 0; i < n; i++ {
				evicted = append(evicted, m.Set(fmt.Sprintf("k%d", i), i)...)
			}
			if m.Len() != bound || len(evicted) != extra {
				return false
			}
			for i := 0; i < extra; i++ {
				if m.Has(fmt.Sprintf("k%d", i)) || evicted[i] != fmt.Sprintf("k%d", i) {
					return false
				}
			}
			keys := m.Keys()
			for i, k := range keys {
				if k != fmt.Sprintf("k%d", extra+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

func TestFIFOMap_UpdateKeepsPosition(t *testing.T) {
	m := NewFIFOMap[string, int](2)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)

	evicted := m.Set("c", 4)
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected 'a' evicted, got %v", evicted)
	}
	if v, ok := m.Get("b"); !ok || v != 2 {
		t.Errorf("expected b=2, got %v %v", v, ok)
	}
}

func TestFIFOMap_Unbounded(t *testing.T) {
	m := NewFIFOMap[int, struct{}](0)
	for i := 0; i < 1000; i++ {
		m.Set(i, struct{}{})
	}
	if m.Len() != 1000 {
		t.Errorf("expected 1000 entries, got %d", m.Len())
	}
}

func TestFIFOMap_PopAndDelete(t *testing.T) {
	m := NewFIFOMap[string, string](10)
	m.Set("x", "1")

	if v, ok := m.Pop("x"); !ok || v != "1" {
		t.Fatalf("Pop: got %q %v", v, ok)
	}
	if _, ok := m.Pop("x"); ok {
		t.Error("second Pop should miss")
	}
	if m.Delete("x") {
		t.Error("Delete of missing key should report false")
	}
}
