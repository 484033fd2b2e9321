package rmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDefaultsToNoirVisor(t *testing.T) {
	tbl := New()
	e := tbl.Lookup(0x10000)
	assert.Equal(t, NoirVisor, e.Ownership)
	assert.Equal(t, uint32(0), e.ASID)
}

func TestReassignAndPermissions(t *testing.T) {
	tbl := New()
	hpas := []uint64{0x10000, 0x11000, 0x12000}
	gpas := []uint64{0x20000, 0x21000, 0x22000}

	require.NoError(t, tbl.Reassign(hpas, gpas, 7, false, SecureGuest))

	for i, hpa := range hpas {
		e := tbl.Lookup(hpa)
		assert.Equal(t, SecureGuest, e.Ownership)
		assert.Equal(t, uint32(7), e.ASID)
		assert.Equal(t, gpas[i]/pageSize, e.GPFN)

		r, w, x := tbl.PermissionsFor(hpa)
		assert.False(t, r)
		assert.False(t, w)
		assert.False(t, x)
	}
}

func TestPermissionsForOwnershipClasses(t *testing.T) {
	tbl := New()

	tbl.Set(0x1000, Entry{Ownership: NoirVisor})
	r, w, x := tbl.PermissionsFor(0x1000)
	assert.True(t, r)
	assert.False(t, w)
	assert.False(t, x)

	tbl.Set(0x2000, Entry{Ownership: InsecureGuest})
	r, w, x = tbl.PermissionsFor(0x2000)
	assert.True(t, r)
	assert.True(t, w)
	assert.True(t, x)

	tbl.Set(0x3000, Entry{Ownership: SubvertedHost})
	r, w, x = tbl.PermissionsFor(0x3000)
	assert.True(t, r)
	assert.True(t, w)
	assert.True(t, x)
}

func TestReassignRejectsMismatchedSlices(t *testing.T) {
	tbl := New()
	err := tbl.Reassign([]uint64{1}, []uint64{1, 2}, 1, false, InsecureGuest)
	assert.Error(t, err)
}
