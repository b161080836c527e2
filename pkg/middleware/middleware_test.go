package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCORS_Preflight(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetrics_UsesRouteTemplate(t *testing.T) {
	router := gin.New()
	router.Use(Metrics("test"))
	router.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("test", "GET", "/items/:id", "200"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	after := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("test", "GET", "/items/:id", "200"))

	assert.Equal(t, before+1, after)
}

func TestRequestLogger_SetsContextLogger(t *testing.T) {
	router := gin.New()
	router.Use(RequestLogger(logger.NewNop()))
	router.GET("/x", func(c *gin.Context) {
		l := logger.FromContext(c.Request.Context(), nil)
		assert.NotNil(t, l)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaxBodySize(t *testing.T) {
	router := gin.New()
	router.Use(MaxBodySize(4))
	router.POST("/x", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", bytes.NewBufferString("too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
