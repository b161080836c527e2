package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowdeploy-go/internal/domain/user"
	"github.com/flowdeploy-go/internal/services/auth/service"
	"github.com/flowdeploy-go/pkg/auth/jwt"
	"github.com/flowdeploy-go/pkg/logger"
	authmw "github.com/flowdeploy-go/pkg/middleware/auth"
)

type AuthHandlers struct {
	service *service.AuthService
	ready   func(ctx context.Context) error
	logger  logger.Logger
}

func NewAuthHandlers(service *service.AuthService, ready func(ctx context.Context) error, logger logger.Logger) *AuthHandlers {
	return &AuthHandlers{
		service: service,
		ready:   ready,
		logger:  logger,
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RoleRequest struct {
	Role string `json:"role" binding:"required"`
}

type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *AuthHandlers) Ready(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *AuthHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AuthHandlers) Logout(c *gin.Context) {
	token, _ := authmw.GetToken(c)
	if err := h.service.Logout(c.Request.Context(), token); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

func (h *AuthHandlers) Signup(c *gin.Context) {
	h.respondError(c, h.service.Signup(c.Request.Context()))
}

func (h *AuthHandlers) InviteUser(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	_ = c.ShouldBindJSON(&req)
	h.respondError(c, h.service.InviteUser(c.Request.Context(), c.Param("org_id"), req.Email))
}

func (h *AuthHandlers) GetCurrentUser(c *gin.Context) {
	userID, orgID := session(c)
	info, err := h.service.GetUserInfo(c.Request.Context(), userID, orgID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *AuthHandlers) ListOrganizations(c *gin.Context) {
	userID, _ := session(c)
	orgs, err := h.service.UserOrganizations(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": orgs})
}

func (h *AuthHandlers) ListRoles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"roles": h.service.GetRoles()})
}

func (h *AuthHandlers) ListMembers(c *gin.Context) {
	members, err := h.service.GetOrganizationMembers(c.Request.Context(), c.Param("org_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *AuthHandlers) AddUserRole(c *gin.Context) {
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callerID, _ := session(c)
	if err := h.service.AddOrganizationUserRole(c.Request.Context(), callerID, c.Param("org_id"), c.Param("user_id"), req.Role); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user_id"), "role": req.Role})
}

func (h *AuthHandlers) RemoveUserRole(c *gin.Context) {
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callerID, _ := session(c)
	if err := h.service.RemoveOrganizationUserRole(c.Request.Context(), callerID, c.Param("org_id"), c.Param("user_id"), req.Role); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AuthHandlers) GetDefaultCredentials(c *gin.Context) {
	userID, orgID := session(c)
	creds, err := h.service.GetDefaultCredentials(c.Request.Context(), userID, orgID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (h *AuthHandlers) UpdateDefaultCredentials(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, orgID := session(c)
	if err := h.service.UpdateDefaultCredentials(c.Request.Context(), userID, orgID, req.Username, req.Password); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Default credentials updated"})
}

func session(c *gin.Context) (userID, organizationID string) {
	userID, _ = authmw.GetUserID(c)
	organizationID, _ = authmw.GetOrganizationID(c)
	return userID, organizationID
}

func (h *AuthHandlers) respondError(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		msg = "internal server error"
	}
	c.JSON(code, gin.H{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, user.ErrInvalidRole),
		errors.Is(err, user.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, user.ErrInvalidCredentials), errors.Is(err, jwt.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, user.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, user.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, user.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
