package dispatcher

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
)

func testDispatcher(cfg config.Config) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		tenantCounts: make(map[string]int),
		now:          time.Now,
	}
}

func TestTenantAdmitFixedWindow(t *testing.T) {
	cfg := config.Default()
	cfg.TenantRatePerMinute = 2
	d := testDispatcher(cfg)

	base := time.Now()
	d.now = func() time.Time { return base }

	assert.True(t, d.tenantAdmit("acme"))
	assert.True(t, d.tenantAdmit("acme"))
	assert.False(t, d.tenantAdmit("acme"), "third dispatch in the window is refused")

	// Another tenant has its own budget.
	assert.True(t, d.tenantAdmit("globex"))

	// The window rolls over and the budget resets.
	d.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, d.tenantAdmit("acme"))
}

func TestTenantAdmitUnlimitedWhenDisabled(t *testing.T) {
	d := testDispatcher(config.Default()) // TenantRatePerMinute 0

	for i := 0; i < 1000; i++ {
		assert.True(t, d.tenantAdmit("acme"))
	}
}

func TestWakeCoalesces(t *testing.T) {
	d := testDispatcher(config.Default())
	d.wake = make(chan struct{}, 1)

	d.Wake()
	d.Wake()
	d.Wake()

	<-d.wake
	select {
	case <-d.wake:
		t.Fatal("wake signals must coalesce into one")
	default:
	}
}

func TestDisarmAckTimer(t *testing.T) {
	d := testDispatcher(config.Default())
	d.ackTimers = map[uuid.UUID]*time.Timer{}

	jobID := uuid.New()
	d.ackTimers[jobID] = time.NewTimer(time.Hour)

	assert.True(t, d.disarmAckTimer(jobID))
	assert.False(t, d.disarmAckTimer(jobID), "already disarmed")
	assert.Empty(t, d.ackTimers)
}
