package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.CacheMissesTotal.Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(a.CacheMissesTotal), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.CacheMissesTotal), 0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SearchQueriesTotal.WithLabelValues("ok").Add(3)
	m.IndexDocuments.Set(20)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `gciqs_search_queries_total{outcome="ok"} 3`)
	assert.Contains(t, string(body), "gciqs_index_documents 20")
}
