package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

func runRBAC(t *testing.T, claims *models.JWTClaims, paramID string, allowed ...string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if claims != nil {
		c.Set(ContextUserKey, claims)
	}
	if paramID != "" {
		c.Params = gin.Params{{Key: "id", Value: paramID}}
	}

	passed := false
	handlers := gin.HandlersChain{RBAC(allowed...), func(c *gin.Context) { passed = true }}
	for _, h := range handlers {
		if c.IsAborted() {
			break
		}
		h(c)
	}
	return w, passed
}

func TestRBACAllowsListedRole(t *testing.T) {
	_, passed := runRBAC(t, &models.JWTClaims{UserID: "u1", Role: models.RoleSecurity}, "", string(models.RoleSecurity))
	assert.True(t, passed)
}

func TestRBACRejectsOtherRole(t *testing.T) {
	w, passed := runRBAC(t, &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}, "", string(models.RoleSecurity))
	assert.False(t, passed)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRBACRequiresClaims(t *testing.T) {
	w, passed := runRBAC(t, nil, "", string(models.RoleAdmin))
	assert.False(t, passed)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRBACSelfMatchesPathParam(t *testing.T) {
	_, passed := runRBAC(t, &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}, "u1", "SELF", string(models.RoleAdmin))
	assert.True(t, passed)
}

func TestRBACSelfRejectsOtherUser(t *testing.T) {
	w, passed := runRBAC(t, &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}, "u2", "SELF", string(models.RoleAdmin))
	assert.False(t, passed)
	require.Equal(t, http.StatusForbidden, w.Code)
}
