package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func healthyCheck() ComponentHealth {
	return ComponentHealth{Status: HealthStatusHealthy, LastChecked: time.Now()}
}

func unhealthyCheck(msg string) func() ComponentHealth {
	return func() ComponentHealth {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: msg, LastChecked: time.Now()}
	}
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "2026-07-31", "abc123")
	assert.NotNil(t, hc)
}

func TestHealthChecker_GetHealth_AllHealthy(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("database", healthyCheck)
	hc.RegisterCustomCheck("queue", healthyCheck)

	health := hc.GetHealth()
	assert.Equal(t, HealthStatusHealthy, health.Status)
}

func TestHealthChecker_GetHealth_OneUnhealthyDominates(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("database", healthyCheck)
	hc.RegisterCustomCheck("queue", unhealthyCheck("queue down"))

	health := hc.GetHealth()
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
}

func TestHealthChecker_ReadinessHandler_ReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("cache", unhealthyCheck("cache down"))
	hc.RunChecks()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	hc.ReadinessHandler()(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthChecker_ReadinessHandler_ReturnsOKWhenHealthy(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("cache", healthyCheck)
	hc.RunChecks()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	hc.ReadinessHandler()(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthChecker_LivenessHandler_NeverBlocksOnDependencies(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("database", unhealthyCheck("db down"))
	// Deliberately never call RunChecks: liveness must not trigger one.

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	hc.LivenessHandler()(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHealthChecker_StartupHandler_UnavailableBeforeFirstCheck(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("database", healthyCheck)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	hc.StartupHandler()(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthChecker_StartupHandler_OKAfterChecksPass(t *testing.T) {
	hc := NewHealthChecker("notify-dispatch", "1.0.0", "", "")
	hc.RegisterCustomCheck("database", healthyCheck)
	hc.RunChecks()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health/startup", nil)
	hc.StartupHandler()(c)

	require.Equal(t, http.StatusOK, w.Code)
}
