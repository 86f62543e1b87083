package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karatsubalabs/gitbounties/internal/auth"
)

func newTestAuth(expiry time.Duration) (*auth.Service, *AuthMiddleware) {
	svc := auth.NewService(&auth.Config{JWTSecret: []byte("0123456789abcdef0123456789abcdef"), TokenExpiry: expiry}, nil)
	return svc, NewAuthMiddleware(svc, "", nil)
}

func echoUsername() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetUsername(r.Context())))
	})
}

// **Property: Authenticated requests carry the session username**
// *For any* username, a request with a valid bearer token or session cookie
// reaches the handler with that username in its context.
func TestPropertySessionIdentityPropagates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	svc, mw := newTestAuth(time.Hour)
	handler := mw.Authenticate(echoUsername())

	properties.Property("username reaches the handler", prop.ForAll(
		func(username string, viaCookie bool) bool {
			token, err := svc.GenerateToken(username)
			if err != nil {
				return false
			}

			req := httptest.NewRequest(http.MethodGet, "/v1/user/profile", nil)
			if viaCookie {
				req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: token})
			} else {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			return rr.Code == http.StatusOK && rr.Body.String() == username
		},
		gen.Identifier(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestAuthenticateRejects(t *testing.T) {
	svc, mw := newTestAuth(-time.Minute)
	handler := mw.Authenticate(echoUsername())

	expired, err := svc.GenerateToken("bob")
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing", "", "Missing authentication"},
		{"garbage", "Bearer not-a-token", "Invalid token"},
		{"expired", "Bearer " + expired, "Token has expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/bounties", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, "UNAUTHORIZED", body["code"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestRecoveryWritesInternalError(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodPost, "/github/webhook", nil)
	req.Header.Set("X-GitHub-Delivery", "d-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "INTERNAL_ERROR")
	assert.Contains(t, buf.String(), "handler panicked")
	assert.Contains(t, buf.String(), `"delivery_id":"d-1"`)
}

func TestRecoveryRepanicsAbort(t *testing.T) {
	handler := Recovery(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestLoggerTagsDelivery(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/github/webhook", nil)
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, buf.String(), `"delivery_id":"72d3162e-cc78-11e3-81ab-4c9367dc0958"`)
	assert.Contains(t, buf.String(), `"status":202`)
}
