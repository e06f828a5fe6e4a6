package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/models"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

// ContextRoleKey is the gin context key storing the resolved role.
const ContextRoleKey = "currentRole"

// RoleResolver waits for the principal's role. A nil role means none is assigned.
type RoleResolver interface {
	Wait(ctx context.Context, principalID string) (*models.UserRole, error)
}

// RBAC resolves the caller's role from its role record and enforces that it
// is one of allowed. With no roles listed any assigned role passes.
func RBAC(resolver RoleResolver, allowed ...models.UserRole) gin.HandlerFunc {
	allowedRoles := make(map[models.UserRole]struct{}, len(allowed))
	for _, r := range allowed {
		allowedRoles[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		role, err := resolver.Wait(c.Request.Context(), claims.UserID)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		if role == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrNoRole, "no role assigned to this account"))
			c.Abort()
			return
		}

		if len(allowedRoles) > 0 {
			if _, ok := allowedRoles[*role]; !ok {
				response.Error(c, appErrors.ErrForbidden)
				c.Abort()
				return
			}
		}

		c.Set(ContextRoleKey, *role)
		c.Next()
	}
}

// Role returns the role stored by RBAC.
func Role(c *gin.Context) (models.UserRole, bool) {
	value, exists := c.Get(ContextRoleKey)
	if !exists {
		return "", false
	}
	role, ok := value.(models.UserRole)
	return role, ok
}
