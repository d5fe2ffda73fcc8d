package httptransport_test

import (
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookup/internal/platform/metrics"
	httptransport "lookup/internal/transport/http"
	"lookup/pkg/platform/middleware/request"
	"lookup/pkg/requestcontext"
	"lookup/pkg/testutil"
)

type echoRoutes struct{}

func (echoRoutes) Register(r chi.Router) {
	r.Get("/echo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, requestcontext.RequestID(r.Context()))
	})
	r.Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
}

func newRouter(t *testing.T) (http.Handler, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httptransport.NewRouter(logger, m, "1.2.3", echoRoutes{}), m
}

func TestStatus(t *testing.T) {
	r, _ := newRouter(t)
	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/status"))
	testutil.AssertStatusOK(t, rr)
	testutil.AssertJSONContains(t, rr, "version", "1.2.3")
}

func TestRequestIDIsPropagated(t *testing.T) {
	r, _ := newRouter(t)

	req := testutil.NewRequest(t, http.MethodGet, "/echo")
	req.Header.Set(request.HeaderRequestID, "req-123")
	rr := testutil.DoRequest(r, req)
	assert.Equal(t, "req-123", rr.Body.String())
	assert.Equal(t, "req-123", rr.Header().Get(request.HeaderRequestID))

	rr = testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/echo"))
	assert.NotEmpty(t, rr.Header().Get(request.HeaderRequestID))
	assert.Equal(t, rr.Header().Get(request.HeaderRequestID), rr.Body.String())
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	r, _ := newRouter(t)
	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/nope"))
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
}

func TestPanicsAreRecovered(t *testing.T) {
	r, _ := newRouter(t)
	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/panic"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newRouter(t)
	testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/status"))

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/metrics"))
	testutil.AssertStatusOK(t, rr)
	body := rr.Body.String()
	require.Contains(t, body, "lookup_http_requests_total")
	assert.Contains(t, body, `route="/status"`)
}
