package helpers

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator creates a CheckedAllocator that tracks allocations.
// Call AssertNoLeaks at the end of the test to verify all memory was released.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	t.Helper()
	return memory.NewCheckedAllocator(memory.DefaultAllocator)
}

// AssertNoLeaks verifies that all Arrow memory has been properly released.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if alloc.CurrentAlloc() > 0 {
		t.Fatalf("Arrow memory leak detected: %d bytes still allocated", alloc.CurrentAlloc())
	}
}
