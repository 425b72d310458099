package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	token, hash, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "ehub_"))
	assert.True(t, ValidTokenFormat(token))
	assert.Equal(t, HashToken(token), hash)
	assert.Len(t, hash, 64)

	other, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestTokenMatches(t *testing.T) {
	token, hash, err := GenerateToken()
	require.NoError(t, err)

	assert.True(t, TokenMatches(token, hash))
	assert.True(t, TokenMatches(token, strings.ToUpper(hash)))
	assert.False(t, TokenMatches(token, ""))
	assert.False(t, TokenMatches(token+"0", hash))
	assert.False(t, TokenMatches("not-a-token", HashToken("not-a-token")))
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc", "bearer abc"} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	token, hash, err := GenerateToken()
	require.NoError(t, err)

	r := gin.New()
	r.GET("/secret", Middleware(hash), func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token " + token, http.StatusUnauthorized},
		{"wrong", "Bearer ehub_00000000-0000-0000-0000-000000000000_" + strings.Repeat("0", 64), http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/secret", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
