package document

import (
	"sync"
	"testing"

	"docsync/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), nil)
	a := r.GetOrCreate("d1")
	b := r.GetOrCreate("d1")
	c := r.GetOrCreate("d2")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "d1", a.ID)
	assert.Equal(t, []string{"d1", "d2"}, r.IDs())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ConcurrentGetOrCreateYieldsOneInstance(t *testing.T) {
	t.Parallel()

	m := metrics.NewPrometheus(nil)
	r := NewRegistry(testLogger(), m)

	const n = 64
	got := make([]*Document, n)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = r.GetOrCreate("shared")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, r.Len())

	count, err := testutil.GatherAndCount(m.Registry(), "docsync_documents_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1.0, gatherCounter(t, m, "docsync_documents_created_total"))
}

func TestRegistry_DocumentOutlivesItsLastUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), nil)
	d := r.GetOrCreate("d1")

	a := newFakeMember("a")
	d.AddUser("alice", a)
	d.UpdateContent("one")
	d.UpdateContent("two")
	d.RemoveUser("alice", a)

	got, ok := r.Lookup("d1")
	require.True(t, ok)
	assert.Same(t, d, got)
	assert.Equal(t, "two", got.Content())
	assert.Equal(t, []string{"one"}, got.VersionHistory())
	assert.Empty(t, got.ActiveUsers())
}

func TestRegistry_LookupMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger(), nil)
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
	assert.Empty(t, r.IDs())
}

func gatherCounter(t *testing.T, m *metrics.Prometheus, name string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range f.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
