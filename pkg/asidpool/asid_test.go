package asidpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := New(2, 4) // ASIDs 2,3,4,5
	a := p.Alloc()
	assert.Equal(t, uint32(2), a)
	p.Free(a)
	assert.Equal(t, 0, p.InUse())
}

func TestExhaustionYieldsSentinel(t *testing.T) {
	p := New(10, 1)
	first := p.Alloc()
	assert.Equal(t, uint32(10), first)

	second := p.Alloc()
	assert.Equal(t, None, second)

	// Freeing the one allocated ASID must make the next allocation succeed.
	p.Free(first)
	third := p.Alloc()
	assert.Equal(t, uint32(10), third)
}

func TestNeverReturnsSubvertedHostASID(t *testing.T) {
	p := New(2, 100)
	for i := 0; i < 100; i++ {
		id := p.Alloc()
		assert.NotEqual(t, SubvertedHostASID(), id)
	}
}
