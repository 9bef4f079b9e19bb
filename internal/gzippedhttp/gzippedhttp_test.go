package gzippedhttp

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipString(t *testing.T, input string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	_, err := gzipWriter.Write([]byte(input))
	require.NoError(t, err)
	require.NoError(t, gzipWriter.Close())
	return buf.Bytes()
}

func gunzip(t *testing.T, input []byte) string {
	t.Helper()
	reader, err := gzip.NewReader(bytes.NewReader(input))
	require.NoError(t, err)
	result, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(result)
}

func TestGzipResponse(t *testing.T) {
	tests := []struct {
		name           string
		contentType    string
		status         int
		acceptEncoding string
		wantGzip       bool
	}{
		{"json is compressed", "application/json", http.StatusOK, "gzip", true},
		{"json with charset is compressed", "application/json; charset=utf-8", http.StatusCreated, "gzip, deflate", true},
		{"plain text is compressed", "text/plain", http.StatusOK, "gzip", true},
		{"binary is not compressed", "application/octet-stream", http.StatusOK, "gzip", false},
		{"errors are not compressed", "application/json", http.StatusBadRequest, "gzip", false},
		{"client without gzip", "application/json", http.StatusOK, "", false},
	}

	const body = `{"message":"hello"}`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := GzipResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(body))
			}))
			srv := httptest.NewServer(handler)
			defer srv.Close()

			client := resty.New().
				SetTransport(&http.Transport{DisableCompression: true}).
				SetDoNotParseResponse(true)
			req := client.R()
			if tt.acceptEncoding != "" {
				req.SetHeader("Accept-Encoding", tt.acceptEncoding)
			}
			resp, err := req.Get(srv.URL)
			require.NoError(t, err)
			raw := resp.RawBody()
			defer raw.Close()
			payload, err := io.ReadAll(raw)
			require.NoError(t, err)

			assert.Equal(t, tt.status, resp.StatusCode())
			if tt.wantGzip {
				assert.Equal(t, "gzip", resp.Header().Get("Content-Encoding"))
				assert.Equal(t, body, gunzip(t, payload))
			} else {
				assert.Empty(t, resp.Header().Get("Content-Encoding"))
				assert.Equal(t, body, string(payload))
			}
		})
	}
}

func TestGzipResponseImplicitStatus(t *testing.T) {
	handler := GzipResponse(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello indeed!"))
	}))

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Accept-Encoding", "gzip")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "gzip", recorder.Header().Get("Content-Encoding"))
	assert.Equal(t, "Hello indeed!", gunzip(t, recorder.Body.Bytes()))
}

func TestUngzipRequest(t *testing.T) {
	echo := UngzipRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))

	t.Run("gzipped body", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(gzipString(t, `{"name":"verbs"}`)))
		request.Header.Set("Content-Encoding", "gzip")
		recorder := httptest.NewRecorder()
		echo.ServeHTTP(recorder, request)

		assert.Equal(t, http.StatusOK, recorder.Code)
		assert.Equal(t, `{"name":"verbs"}`, recorder.Body.String())
	})

	t.Run("plain body", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("plain")))
		recorder := httptest.NewRecorder()
		echo.ServeHTTP(recorder, request)

		assert.Equal(t, "plain", recorder.Body.String())
	})

	t.Run("malformed gzip", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("not gzip")))
		request.Header.Set("Content-Encoding", "gzip")
		recorder := httptest.NewRecorder()
		echo.ServeHTTP(recorder, request)

		assert.Equal(t, http.StatusBadRequest, recorder.Code)
	})
}
