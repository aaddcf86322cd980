package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
)

func TestNewChiRouter_AssignsRequestIDAndRecovers(t *testing.T) {
	// given
	mux := NewChiRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var seenID string
	mux.Get("/api/v1/products", func(w http.ResponseWriter, r *http.Request) {
		seenID = middleware.GetReqID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	mux.Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	// when
	okRec := httptest.NewRecorder()
	mux.ServeHTTP(okRec, httptest.NewRequest(http.MethodGet, "/api//v1/products", nil))
	panicRec := httptest.NewRecorder()
	mux.ServeHTTP(panicRec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	// then
	assert.Equal(t, http.StatusOK, okRec.Code)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, http.StatusInternalServerError, panicRec.Code)
}

func TestNewHTTPServer(t *testing.T) {
	srv := NewHTTPServer(HTTPConfig{Port: 8080, ReadTimeout: time.Second, ReadHeader: 2 * time.Second}, http.NotFoundHandler())

	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	assert.Equal(t, 2*time.Second, srv.ReadHeaderTimeout)
}
