package npt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noirvisor/cvm-core/internal/pagealloc"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	a := pagealloc.New(1 << 40)
	m, err := NewManager(a)
	require.NoError(t, err)
	require.NoError(t, m.BuildIdentityMap(MemTypeWB))
	return m
}

func TestIdentityMapIsRWXAtDefaultType(t *testing.T) {
	m := newTestManager(t)
	e, gran, err := m.LookupLeaf(5 * sizeGiB)
	require.NoError(t, err)
	assert.Equal(t, uint64(sizeGiB), gran)
	assert.True(t, e.Present())
	assert.True(t, e.Write())
	assert.False(t, e.NX())
	assert.Equal(t, MemTypeWB, e.MemoryType())
	assert.Equal(t, 5*uint64(sizeGiB), e.HugeBase())
}

func TestSplitPDPTEIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	gpa := uint64(3*sizeGiB + 123)
	d1, err := m.SplitPDPTE(gpa)
	require.NoError(t, err)
	d2, err := m.SplitPDPTE(gpa)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestSplitPDEIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	gpa := uint64(7*sizeGiB + 3*sizeMiB2 + 77)
	d1, err := m.SplitPDE(gpa)
	require.NoError(t, err)
	d2, err := m.SplitPDE(gpa)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestUpdatePTESplitsDownTo4KiB(t *testing.T) {
	m := newTestManager(t)
	gpa := uint64(2*sizeGiB + sizeMiB2 + 4096)
	require.NoError(t, m.UpdatePTE(0xdead000, gpa, true, false, true, nil))

	e, gran, err := m.LookupLeaf(gpa)
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), gran)
	assert.True(t, e.Present())
	assert.False(t, e.Write())
	assert.False(t, e.NX())
	assert.Equal(t, uint64(0xdead000), e.LeafBase())
}

func TestUpdatePTEAtLastEntryOfExistingPDENoExtraSplit(t *testing.T) {
	m := newTestManager(t)
	base := uint64(4 * sizeGiB)
	// Force the PDE table to exist first (covers entries 0..511 of 2MiB each).
	_, err := m.SplitPDPTE(base)
	require.NoError(t, err)

	lastEntryGPA := base + 511*sizeMiB2 + 4000
	require.NoError(t, m.UpdatePTE(0x1000, lastEntryGPA, true, true, true, nil))

	m.mu.RLock()
	_, hasRegion := m.pdeByRegion[base]
	regions := len(m.pdeByRegion)
	m.mu.RUnlock()
	assert.True(t, hasRegion, "expected the PDE descriptor created by SplitPDPTE to still exist")
	assert.Equal(t, 1, regions, "expected the PDE descriptor created by SplitPDPTE to be the only one")
}

func TestVariableMTRRStraddlingBoundaryIsSplitAndTyped(t *testing.T) {
	m := newTestManager(t)
	// A 2MiB variable MTRR with a distinct override type that ends exactly at
	// the boundary between two default-typed 1GiB huge pages: the page below
	// is split and its last 2MiB retyped, the page above keeps the default.
	base := uint64(1 * sizeGiB)
	v := VariableMTRR{
		Base:  base - sizeMiB2,
		Mask:  uint64(1) << 9, // mask*4KiB == 2^21 == 2MiB, per Length()'s ctz formula
		Type:  MemTypeUC,
		Valid: true,
	}
	require.NoError(t, m.ApplyVariableMTRR(v))

	left, _, err := m.LookupLeaf(base - sizeMiB2)
	require.NoError(t, err)
	right, _, err := m.LookupLeaf(base)
	require.NoError(t, err)
	assert.Equal(t, MemTypeUC, left.MemoryType())
	assert.Equal(t, MemTypeWB, right.MemoryType())
	assert.True(t, left.VarMTRRCovered())
	assert.False(t, right.VarMTRRCovered())
}

func TestMergeTypeTakesSmallerVariableType(t *testing.T) {
	assert.Equal(t, MemTypeUC, mergeType(MemTypeWB, MemTypeUC, false))
	assert.Equal(t, MemTypeWB, mergeType(MemTypeWB, MemTypeWB, false))
	assert.Equal(t, MemTypeWT, mergeType(MemTypeUC, MemTypeWT, true), "force must win outright")
}

func TestProtectHypervisorRedirectsToBlankPage(t *testing.T) {
	m := newTestManager(t)
	blank := uint64(0x900000)
	private := []uint64{1 * sizeGiB, 2*sizeGiB + sizeMiB2}
	require.NoError(t, m.ProtectHypervisor(blank, private))

	for _, hpa := range private {
		e, _, err := m.LookupLeaf(hpa)
		require.NoError(t, err)
		assert.Equal(t, blank, e.LeafBase())
	}
}
