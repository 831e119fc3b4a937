package metricsource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeshield/remedy/internal/models"
)

var ref = models.ResourceRef{Kind: "Deployment", Name: "api", Namespace: "shop"}

type promStub struct {
	mu      sync.Mutex
	queries []string
	instant string
	ranged  string
}

func (s *promStub) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.queries = append(s.queries, r.Form.Get("query"))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/v1/query":
		_, _ = w.Write([]byte(s.instant))
	case "/api/v1/query_range":
		_, _ = w.Write([]byte(s.ranged))
	default:
		http.NotFound(w, r)
	}
}

func newStub(t *testing.T, stub *promStub) *Prometheus {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	p, err := NewPrometheus(srv.URL, `errors{namespace="{{.Namespace}}",deployment="{{.Name}}"}`, time.Second)
	require.NoError(t, err)
	return p
}

func TestCurrentSumsVector(t *testing.T) {
	stub := &promStub{instant: `{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{"pod":"a"},"value":[1700000000,"0.10"]},
		{"metric":{"pod":"b"},"value":[1700000000,"0.15"]}]}}`}
	p := newStub(t, stub)

	v, err := p.Current(context.Background(), ref)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-9)
	assert.Equal(t, []string{`errors{namespace="shop",deployment="api"}`}, stub.queries)
}

func TestCurrentNoData(t *testing.T) {
	cases := map[string]string{
		"empty vector": `{"status":"success","data":{"resultType":"vector","result":[]}}`,
		"NaN sample":   `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"NaN"]}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			p := newStub(t, &promStub{instant: body})
			_, err := p.Current(context.Background(), ref)
			assert.True(t, errors.Is(err, ErrNoData))
		})
	}
}

func TestAverageOverRange(t *testing.T) {
	stub := &promStub{ranged: `{"status":"success","data":{"resultType":"matrix","result":[
		{"metric":{},"values":[[1700000000,"0.01"],[1700000015,"0.03"],[1700000030,"NaN"]]}]}}`}
	p := newStub(t, stub)

	v, err := p.Average(context.Background(), ref, 5*time.Minute, time.Unix(1700000030, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.02, v, 1e-9)
}

func TestAverageNoData(t *testing.T) {
	p := newStub(t, &promStub{ranged: `{"status":"success","data":{"resultType":"matrix","result":[]}}`})
	_, err := p.Average(context.Background(), ref, time.Minute, time.Now())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestQueryError(t *testing.T) {
	p := newStub(t, &promStub{instant: `{"status":"error","errorType":"bad_data","error":"parse error"}`})
	_, err := p.Current(context.Background(), ref)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoData))
}

func TestNewPrometheusValidates(t *testing.T) {
	_, err := NewPrometheus("", "up", time.Second)
	assert.Error(t, err)

	_, err = NewPrometheus("http://localhost:9090", "{{.Namespace", time.Second)
	assert.Error(t, err)

	p, err := NewPrometheus("http://localhost:9090", "{{.Missing}}", time.Second)
	require.NoError(t, err)
	_, err = p.Render(ref)
	assert.Error(t, err)
}
