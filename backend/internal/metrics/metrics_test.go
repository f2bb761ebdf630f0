package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollab_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Edit()
	m.Edit()
	m.Save(true)
	m.Save(false)
	m.Save(false)
	m.CacheError("set")
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	require.Equal(t, 2.0, testutil.ToFloat64(m.edits))
	require.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.saves.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheErrors.WithLabelValues("set")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}

func TestCollab_NilSafe(t *testing.T) {
	var m *Collab
	m.Edit()
	m.Save(true)
	m.CacheError("get")
	m.BusMessage("in")
	m.ConnOpened()
	m.ConnClosed()
	m.Dropped()
}
