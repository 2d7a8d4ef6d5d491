package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-aggregator/pkg/domain"
)

func serve(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func newDataHandler(t *testing.T, docs ...string) http.Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{Registry: newRegistry(t, docs...)})
	require.NoError(t, err)
	return h.HTTPHandler()
}

func TestHandlerAggregates(t *testing.T) {
	h := newDataHandler(t, orderDoc)

	rec, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/orders?id=7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("x-aggregated"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	assert.Equal(t, float64(12), body["total"])
	assert.Equal(t, "7", body["id"])
	assert.NotContains(t, body, "_context")
}

func TestHandlerEchoesContextOnRequest(t *testing.T) {
	h := newDataHandler(t, orderDoc)

	req := httptest.NewRequest(http.MethodGet, "/proxy/orders?id=7", nil)
	req.Header.Set(HeaderReturnContext, "true")
	req.Header.Set(HeaderRequestID, "req-1")
	rec, body := serve(t, h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
	require.Contains(t, body, "_context")
	snapshot := body["_context"].(map[string]any)
	assert.Contains(t, snapshot, "order")
}

func TestHandlerValidationFailureIsData(t *testing.T) {
	h := newDataHandler(t, orderDoc)

	rec, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/proxy/orders?id=abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	errs, ok := body["errors"].([]any)
	require.True(t, ok, "expected errors list in %v", body)
	assert.NotEmpty(t, errs)
	assert.NotContains(t, body, "total")
}

func TestHandlerExactMatchOnly(t *testing.T) {
	h := newDataHandler(t, orderDoc)

	for _, target := range []string{"/proxy/orders/", "/proxy", "/proxy/orders/1"} {
		rec, body := serve(t, h, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, CodeNotFound, body["code"])
	}
	rec, _ := serve(t, h, httptest.NewRequest(http.MethodPost, "/proxy/orders", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerSourceFailureIs502(t *testing.T) {
	h := newDataHandler(t, failingDoc)

	rec, body := serve(t, h, httptest.NewRequest(http.MethodPost, "/proxy/broken", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, CodeSourceFailed, body["code"])
	assert.NotContains(t, body, "context")
}

func TestHandlerRejectsMalformedJSON(t *testing.T) {
	h := newDataHandler(t, failingDoc)

	req := httptest.NewRequest(http.MethodPost, "/proxy/broken", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	rec, body := serve(t, h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidBody, body["code"])
}

func TestTranslate(t *testing.T) {
	status, resp := translate(&domain.ExecutionError{
		Kind:          domain.ErrScriptExecution,
		Stage:         "response.body",
		Context:       map[string]any{"input": map[string]any{}},
		ReturnContext: true,
	})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, CodeScriptFailed, resp.Code)
	assert.Equal(t, "script execution failed at response.body", resp.Message)
	assert.NotNil(t, resp.Context)

	status, resp = translate(&domain.ExecutionError{Kind: domain.ErrSourceFailed, Context: map[string]any{}})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Nil(t, resp.Context)

	status, _ = translate(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestRequestMaps(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?tag=a&tag=b&one=1", nil)
	req.Header.Add("X-Multi", "a")
	req.Header.Add("X-Multi", "b")

	assert.Equal(t, "a, b", headerMap(req.Header)["x-multi"])
	params := paramMap(req)
	assert.Equal(t, []any{"a", "b"}, params["tag"])
	assert.Equal(t, "1", params["one"])
	assert.True(t, isJSON("application/problem+json; charset=utf-8"))
	assert.False(t, isJSON("text/plain"))
}
