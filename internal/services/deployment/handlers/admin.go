package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowdeploy-go/internal/services/deployment/service"
	authmw "github.com/flowdeploy-go/pkg/middleware/auth"
)

func session(c *gin.Context) (userID, organizationID string) {
	userID, _ = authmw.GetUserID(c)
	organizationID, _ = authmw.GetOrganizationID(c)
	return userID, organizationID
}

func (h *DeploymentHandlers) ListDeployments(c *gin.Context) {
	_, orgID := session(c)
	deps, err := h.service.ListDeployments(c.Request.Context(), orgID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deps})
}

func (h *DeploymentHandlers) GetDeployment(c *gin.Context) {
	_, orgID := session(c)
	dep, err := h.service.GetDeployment(c.Request.Context(), orgID, c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (h *DeploymentHandlers) CreateDeployment(c *gin.Context) {
	var req service.CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, orgID := session(c)
	created, err := h.service.CreateDeployment(c.Request.Context(), orgID, userID, req)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *DeploymentHandlers) ActivateDeployment(c *gin.Context) {
	h.setActive(c, true)
}

func (h *DeploymentHandlers) DeactivateDeployment(c *gin.Context) {
	h.setActive(c, false)
}

func (h *DeploymentHandlers) setActive(c *gin.Context, active bool) {
	userID, orgID := session(c)
	dep, err := h.service.SetActive(c.Request.Context(), orgID, userID, c.Param("id"), active)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (h *DeploymentHandlers) DeleteDeployment(c *gin.Context) {
	userID, orgID := session(c)
	if err := h.service.DeleteDeployment(c.Request.Context(), orgID, userID, c.Param("id")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeploymentHandlers) ListKeys(c *gin.Context) {
	_, orgID := session(c)
	keys, err := h.service.ListKeys(c.Request.Context(), orgID, c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *DeploymentHandlers) CreateKey(c *gin.Context) {
	var req struct {
		Description string `json:"description"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	userID, orgID := session(c)
	key, err := h.service.CreateKey(c.Request.Context(), orgID, userID, c.Param("id"), req.Description)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *DeploymentHandlers) RevokeKey(c *gin.Context) {
	userID, orgID := session(c)
	if err := h.service.RevokeKey(c.Request.Context(), orgID, userID, c.Param("id"), c.Param("key_id")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
