package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/auth"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &GoChatApp{
		log: zerolog.New(buf),
	}

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	app.errorHandler(panicHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &GoChatApp{}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	app.errorHandler(okHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewTokenManager(testSigningKey)
	token, err := tokens.Issue(5, time.Minute)
	assert.NoError(t, err)

	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		wantCode int
	}{
		{
			name:     "no token",
			setup:    func(*http.Request) {},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "bearer token",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			wantCode: http.StatusOK,
		},
		{
			name:     "cookie token",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: auth.TokenCookieKey, Value: token}) },
			wantCode: http.StatusOK,
		},
		{
			name:     "garbage token",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") },
			wantCode: http.StatusUnauthorized,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := &GoChatApp{log: zerolog.Nop(), tokens: tokens}

			var gotUser int
			next := func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = auth.UserId(r.Context())
				w.WriteHeader(http.StatusOK)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)
			rr := httptest.NewRecorder()

			app.authMiddleware(next)(rr, req)

			assert.Equal(t, tc.wantCode, rr.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, 5, gotUser)
				assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}

func TestLogRequest(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &GoChatApp{log: zerolog.New(buf)}

	h := app.logRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/tea", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/api/tea"`)
	assert.Contains(t, buf.String(), `"bytes":15`)
}

func TestErrorFromChat(t *testing.T) {
	tcases := []struct {
		err      error
		wantCode int
	}{
		{fmt.Errorf("x: %w", &chat.ValidationError{Reason: "bad"}), http.StatusBadRequest},
		{fmt.Errorf("x: %w", chat.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", chat.ErrNotFound), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(http.StatusText(tc.wantCode), func(t *testing.T) {
			assert.Equal(t, tc.wantCode, errorFromChat(tc.err).StatusCode)
		})
	}
}
