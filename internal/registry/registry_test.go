package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("cpu_profile", 1, 10, Descriptor{Name: "cpu_profile"})
	r.Register("cpu_profile", 2, 20, Descriptor{Name: "cpu_profile"})

	entries := r.Lookup("cpu_profile")
	require.Len(t, entries, 2)
	require.EqualValues(t, 1, entries[0].ProducerID)
	require.EqualValues(t, 2, entries[1].ProducerID)
}

func TestLookupUnknownNameReturnsEmpty(t *testing.T) {
	r := New()
	require.Empty(t, r.Lookup("nope"))
}

func TestUnregisterRemovesExactEntry(t *testing.T) {
	r := New()
	r.Register("cpu_profile", 1, 10, Descriptor{})
	r.Register("cpu_profile", 1, 11, Descriptor{})

	r.Unregister(1, 10)

	entries := r.Lookup("cpu_profile")
	require.Len(t, entries, 1)
	require.EqualValues(t, 11, entries[0].DataSourceID)
}

func TestUnregisterProducerCascades(t *testing.T) {
	r := New()
	r.Register("cpu_profile", 1, 10, Descriptor{})
	r.Register("mem_profile", 1, 11, Descriptor{})
	r.Register("mem_profile", 2, 12, Descriptor{})

	removed := r.UnregisterProducer(1)
	require.Len(t, removed, 2)

	require.Empty(t, r.Lookup("cpu_profile"))
	entries := r.Lookup("mem_profile")
	require.Len(t, entries, 1)
	require.EqualValues(t, 2, entries[0].ProducerID)
}

func TestNamesIsSortedAndDeduplicatedPerName(t *testing.T) {
	r := New()
	r.Register("b_source", 1, 1, Descriptor{})
	r.Register("a_source", 1, 2, Descriptor{})
	r.Register("a_source", 2, 3, Descriptor{})

	require.Equal(t, []string{"a_source", "b_source"}, r.Names())
}
