package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/mailsystem/config"
	mw "github.com/kasuganosora/mailsystem/middleware"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSec = config.SecurityConfig{
	JWTSecret: "test-secret",
	JWTTTLH:   72 * time.Hour,
}

func doJSON(r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postJSON(r http.Handler, path string, body any, headers ...string) *httptest.ResponseRecorder {
	return doJSON(r, http.MethodPost, path, body, headers...)
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// sessionFor issues a token for accountID and stores its session.
func sessionFor(t *testing.T, kv interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}, accountID int64) string {
	t.Helper()
	token, err := mw.GenerateToken(accountID, testSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), mw.SessionKey(token), "1", time.Hour))
	return token
}
