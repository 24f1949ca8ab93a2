package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-jwt-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseToken(t *testing.T) {
	valid, err := GenerateToken(testSecret, "admin-1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	expired, err := GenerateToken(testSecret, "admin-1", RoleAdmin, -time.Minute)
	require.NoError(t, err)

	wrongKey, err := GenerateToken("other-secret", "admin-1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	noUser, err := GenerateToken(testSecret, "", RoleAdmin, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "admin-1", Role: RoleAdmin}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{name: "valid", token: valid},
		{name: "empty", token: "", wantErr: ErrMissingToken},
		{name: "expired", token: expired, wantErr: ErrInvalidToken},
		{name: "wrong key", token: wrongKey, wantErr: ErrInvalidToken},
		{name: "missing user", token: noUser, wantErr: ErrInvalidToken},
		{name: "unsigned", token: none, wantErr: ErrInvalidToken},
		{name: "garbage", token: "not.a.token", wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(testSecret, tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "admin-1", claims.UserID)
			assert.Equal(t, RoleAdmin, claims.Role)
			assert.Equal(t, tokenIssuer, claims.Issuer)
		})
	}
}

func TestJWTAuthAndRequireAdmin(t *testing.T) {
	adminToken, err := GenerateToken(testSecret, "admin-1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	memberToken, err := GenerateToken(testSecret, "user-1", "volunteer", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{name: "admin", secret: testSecret, header: "Bearer " + adminToken, wantStatus: http.StatusOK},
		{name: "non admin", secret: testSecret, header: "Bearer " + memberToken, wantStatus: http.StatusForbidden},
		{name: "no header", secret: testSecret, wantStatus: http.StatusUnauthorized},
		{name: "not bearer", secret: testSecret, header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "bad token", secret: testSecret, header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "unconfigured", secret: "", header: "Bearer " + adminToken, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/admin", JWTAuth(tt.secret, zap.NewNop()), RequireAdmin(), func(c *gin.Context) {
				c.String(http.StatusOK, UserID(c))
			})

			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "admin-1", w.Body.String())
			}
		})
	}
}

func TestSharedSecret(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		query      string
		wantStatus int
	}{
		{name: "header", configured: "s3cret", header: "s3cret", wantStatus: http.StatusOK},
		{name: "query", configured: "s3cret", query: "s3cret", wantStatus: http.StatusOK},
		{name: "mismatch", configured: "s3cret", header: "guess", wantStatus: http.StatusUnauthorized},
		{name: "missing", configured: "s3cret", wantStatus: http.StatusUnauthorized},
		{name: "not configured", configured: "", header: "anything", wantStatus: http.StatusServiceUnavailable},
		{name: "not configured and empty", configured: "", wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/dispatch", SharedSecret(tt.configured), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			target := "/dispatch"
			if tt.query != "" {
				target += "?secret=" + tt.query
			}
			req := httptest.NewRequest(http.MethodPost, target, nil)
			if tt.header != "" {
				req.Header.Set(DispatchSecretHeader, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRecovery(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(zap.NewNop()))
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}
