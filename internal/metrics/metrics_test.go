package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("/api/v1/holds", 201)
		IncBooking("confirmed")
		IncCompensation("release", "success")
		IncCache("hit")
		IncSweep("ok")
		AddReleased(0)
	})
}

func TestObserveHold(t *testing.T) {
	before := testutil.ToFloat64(seatsHeld)
	ObserveHold("success", 3, 10*time.Millisecond)
	ObserveHold("conflict", 2, time.Millisecond)
	assert.Equal(t, before+3, testutil.ToFloat64(seatsHeld))

	conflicts := testutil.ToFloat64(holds.WithLabelValues("conflict"))
	assert.GreaterOrEqual(t, conflicts, 1.0)
}

func TestAddExpiredIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(reservationsExpired.WithLabelValues("reaper"))
	AddExpired("reaper", 0)
	AddExpired("reaper", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(reservationsExpired.WithLabelValues("reaper")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(409))
	assert.Equal(t, "5xx", statusClass(503))
}
