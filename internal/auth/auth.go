// Package auth resolves the caller's identity for request handling.
//
// Kudipeer runs behind an API gateway that terminates sessions and
// forwards the verified identity as headers. This package trusts those
// headers, places the identity in the gin context, and enforces the
// auth and admin requirements per route group. Admin routes accept
// either a gateway-asserted admin role or the shared admin secret used
// by the back-office tooling.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID carries the gateway-verified user ID.
	HeaderUserID = "X-User-ID"
	// HeaderUserRole carries the gateway-verified role ("user" or "admin").
	HeaderUserRole = "X-User-Role"
	// HeaderAdminSecret carries the back-office shared secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyUserID is the gin context key for the caller's user ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyUserRole is the gin context key for the caller's role.
	ContextKeyUserRole = "authUserRole"

	// RoleAdmin marks platform operators.
	RoleAdmin = "admin"
	// RoleUser marks regular customers.
	RoleUser = "user"
)

// Middleware extracts the forwarded identity into the gin context.
// Requests without identity headers pass through unauthenticated;
// RequireAuth decides whether that matters.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID != "" {
			role := c.GetHeader(HeaderUserRole)
			if role != RoleAdmin {
				role = RoleUser
			}
			c.Set(ContextKeyUserID, userID)
			c.Set(ContextKeyUserRole, role)
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a resolved identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects callers that are neither gateway-asserted admins
// nor holders of the configured admin secret. An empty configured
// secret disables the secret path entirely.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserRole) == RoleAdmin {
			c.Next()
			return
		}
		if adminSecret != "" {
			supplied := c.GetHeader(HeaderAdminSecret)
			if supplied != "" && subtle.ConstantTimeCompare([]byte(supplied), []byte(adminSecret)) == 1 {
				// Back-office callers still need an actor identity for audit.
				if c.GetString(ContextKeyUserID) == "" {
					c.Set(ContextKeyUserID, "backoffice")
				}
				c.Set(ContextKeyUserRole, RoleAdmin)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required.",
		})
	}
}

// UserID returns the authenticated user's ID, or "" if unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAdmin reports whether the caller holds the admin role.
func IsAdmin(c *gin.Context) bool {
	return c.GetString(ContextKeyUserRole) == RoleAdmin
}
