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
	"github.com/stretchr/testify/suite"
)

type AuthMiddlewareTestSuite struct {
	suite.Suite
	auth   *AuthMiddleware
	router *gin.Engine
}

func (s *AuthMiddlewareTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.auth = NewAuthMiddleware("test-secret", time.Hour)

	s.router = gin.New()
	s.router.POST("/alerts/:id/acknowledge",
		s.auth.Authenticate(),
		s.auth.RequireRole("admin", "operator"),
		func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"actor": Actor(c, "anonymous")})
		},
	)
}

func TestAuthMiddlewareTestSuite(t *testing.T) {
	suite.Run(t, new(AuthMiddlewareTestSuite))
}

func (s *AuthMiddlewareTestSuite) do(token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/alerts/a1/acknowledge", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *AuthMiddlewareTestSuite) TestMissingToken() {
	w := s.do("")
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *AuthMiddlewareTestSuite) TestInvalidToken() {
	w := s.do("not-a-jwt")
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *AuthMiddlewareTestSuite) TestWrongSecret() {
	other := NewAuthMiddleware("other-secret", time.Hour)
	token, err := other.GenerateToken("u1", "admin")
	s.Require().NoError(err)

	w := s.do(token)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *AuthMiddlewareTestSuite) TestInsufficientRole() {
	token, err := s.auth.GenerateToken("u1", "viewer")
	s.Require().NoError(err)

	w := s.do(token)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *AuthMiddlewareTestSuite) TestAuthorizedActor() {
	token, err := s.auth.GenerateToken("oncall-7", "operator")
	s.Require().NoError(err)

	w := s.do(token)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), `"actor":"oncall-7"`)
}

func TestValidateToken_Expired(t *testing.T) {
	auth := NewAuthMiddleware("secret", time.Hour)

	claims := jwt.MapClaims{
		"user_id": "u1",
		"role":    "admin",
		"exp":     jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	auth := NewAuthMiddleware("secret", 0)

	token, err := auth.GenerateToken("u42", "admin")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u42", claims["user_id"])
	assert.Equal(t, "admin", claims["role"])
}
