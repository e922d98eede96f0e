package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetInputBuildsRequestInput(t *testing.T) {
	input := SetInputURL([]byte(`{}`), []byte("http://localhost:4000/graphql"))
	input = SetInputMethod(input, []byte(http.MethodPost))
	input = SetInputBody(input, []byte(`{"query":"{me}"}`))
	input = SetInputHeader(input, []byte(`{"Authorization":["Bearer token"]}`))
	assert.Equal(t,
		`{"url":"http://localhost:4000/graphql","method":"POST","body":{"query":"{me}"},"header":{"Authorization":["Bearer token"]}}`,
		string(input))
}

func TestDoSendsBodyAndHeaders(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		buf := &bytes.Buffer{}
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.Bytes()
		w.Header().Set(ContentTypeHeader, ContentTypeJSON)
		_, _ = w.Write([]byte(`{"data":{"me":null}}`))
	}))
	defer server.Close()

	input := SetInputURL([]byte(`{}`), []byte(server.URL))
	input = SetInputBody(input, []byte(`{"query":"{me}"}`))
	input = SetInputHeader(input, []byte(`{"X-Tenant":["acme"]}`))

	out := &bytes.Buffer{}
	statusCode, err := Do(http.DefaultClient, context.Background(), input, out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, `{"data":{"me":null}}`, out.String())
	assert.Equal(t, `{"query":"{me}"}`, string(gotBody))
	assert.Equal(t, "acme", gotHeader.Get("X-Tenant"))
	assert.Equal(t, ContentTypeJSON, gotHeader.Get(ContentTypeHeader))
}

func TestDoDecodesGzipResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ContentEncodingHeader, EncodingGzip)
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"data":{"me":{"name":"test"}}}`))
		_ = gz.Close()
	}))
	defer server.Close()

	input := SetInputURL([]byte(`{}`), []byte(server.URL))
	input = SetInputBody(input, []byte(`{"query":"{me}"}`))

	out := &bytes.Buffer{}
	statusCode, err := Do(http.DefaultClient, context.Background(), input, out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, statusCode)
	assert.Equal(t, `{"data":{"me":{"name":"test"}}}`, out.String())
}

func TestDoReturnsStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"errors":[{"message":"overloaded"}]}`))
	}))
	defer server.Close()

	input := SetInputURL([]byte(`{}`), []byte(server.URL))
	input = SetInputBody(input, []byte(`{"query":"{me}"}`))

	out := &bytes.Buffer{}
	statusCode, err := Do(http.DefaultClient, context.Background(), input, out)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, statusCode)
	assert.Equal(t, `{"errors":[{"message":"overloaded"}]}`, out.String())
}
