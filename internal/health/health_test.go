package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/pfkit/internal/clock"
	"grimm.is/pfkit/internal/errors"
)

func TestChecker_Aggregates(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewChecker(5*time.Second, mc)

	c.Register("device", Func(func(context.Context) error { return nil }, StatusUnhealthy))
	report := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	require.Contains(t, report.Checks, "device")
	assert.Equal(t, "device", report.Checks["device"].Name)

	c.Register("journal", Func(func(context.Context) error {
		return errors.New(errors.KindUnavailable, "journal locked")
	}, StatusDegraded))
	report = c.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "journal locked", report.Checks["journal"].Message)

	c.Register("collector", Func(func(context.Context) error {
		return errors.New(errors.KindUnavailable, "no sample")
	}, StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestChecker_Caches(t *testing.T) {
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewChecker(5*time.Second, mc)

	calls := 0
	c.Register("device", func(context.Context) Check {
		calls++
		return Check{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, 1, calls)

	mc.Advance(6 * time.Second)
	c.Check(context.Background())
	assert.Equal(t, 2, calls)
}

func TestHandlers(t *testing.T) {
	c := NewChecker(0, nil)
	c.Register("device", Func(func(context.Context) error {
		return errors.ErrDeviceUnavailable
	}, StatusUnhealthy))

	rr := httptest.NewRecorder()
	c.Handler()(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, StatusUnhealthy, report.Status)

	rr = httptest.NewRecorder()
	LivenessHandler()(rr, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}
