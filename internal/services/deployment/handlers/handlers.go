package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flowdeploy-go/internal/domain/deployment"
	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/internal/services/deployment/service"
	"github.com/flowdeploy-go/internal/services/staging"
	"github.com/flowdeploy-go/pkg/logger"
	authmw "github.com/flowdeploy-go/pkg/middleware/auth"
)

const contextDeployment = "deployment"

type DeploymentHandlers struct {
	service *service.DeploymentService
	ready   func(ctx context.Context) error
	logger  logger.Logger
}

func NewDeploymentHandlers(service *service.DeploymentService, ready func(ctx context.Context) error, logger logger.Logger) *DeploymentHandlers {
	return &DeploymentHandlers{
		service: service,
		ready:   ready,
		logger:  logger,
	}
}

func (h *DeploymentHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *DeploymentHandlers) Ready(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// DeploymentKeyGuard authenticates the caller of a deployment endpoint and
// stores the deployment on the context.
func (h *DeploymentHandlers) DeploymentKeyGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		dep, err := h.service.Validate(c.Request.Context(), c.Param("org_name"), c.Param("api_name"), authmw.ExtractAPIKey(c))
		if err != nil {
			h.abortWithError(c, err)
			return
		}
		c.Set(contextDeployment, dep)
		c.Next()
	}
}

func deploymentFrom(c *gin.Context) *deployment.Deployment {
	v, _ := c.Get(contextDeployment)
	dep, _ := v.(*deployment.Deployment)
	return dep
}

// Execute runs the deployment's workflow over the uploaded files.
func (h *DeploymentHandlers) Execute(c *gin.Context) {
	dep := deploymentFrom(c)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a multipart form"})
		return
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one file is required in 'files'"})
		return
	}

	timeout := service.NoWait
	if raw := c.PostForm("timeout"); raw != "" {
		timeout, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be an integer"})
			return
		}
	}
	if err := h.service.ValidateTimeout(timeout); err != nil {
		h.abortWithError(c, err)
		return
	}

	includeMetadata, err := parseBool(c.PostForm("include_metadata"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "include_metadata must be a boolean"})
		return
	}

	result := h.service.Dispatch(c.Request.Context(), dep, staging.FromMultipart(uploads), timeout, includeMetadata)
	c.JSON(http.StatusOK, gin.H{"message": result})
}

// Status reports an execution. Executions still in flight answer 422 so
// pollers can tell them apart from finished ones.
func (h *DeploymentHandlers) Status(c *gin.Context) {
	dep := deploymentFrom(c)

	includeMetadata, err := parseBool(c.Query("include_metadata"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "include_metadata must be a boolean"})
		return
	}

	result, err := h.service.GetStatus(c.Request.Context(), dep, c.Query("execution_id"), includeMetadata)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	code := http.StatusOK
	if !result.Status.IsTerminal() {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, gin.H{"status": result.Status, "message": result})
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// abortWithError maps service errors to responses. Unexpected errors are
// logged and answered with a generic message.
func (h *DeploymentHandlers) abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, deployment.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, deployment.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, deployment.ErrInactive):
		return http.StatusForbidden
	case errors.Is(err, deployment.ErrNotFound), errors.Is(err, execution.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deployment.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
