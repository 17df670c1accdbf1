// Package health implements the Health Check (C9): a periodic liveness sweep
// over every running worker plus the GET /health system report. Its one hard
// rule, carried from spec.md §4.10, is that it must never cull an executor
// whose lifecycle is in-trade or mid-transition — the mitigation for the
// known bug class where an aggressive health check deleted an in-trade
// executor.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"tradingd/internal/events"
	"tradingd/internal/lifecycle"
	"tradingd/internal/metrics"
	"tradingd/internal/orchestrator"
	"tradingd/pkg/db"
)

// Status is the closed outcome set spec.md §6's GET /health reports.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one named component probe inside a Report.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the GET /health response body.
type Report struct {
	Status    Status            `json:"status"`
	Checks    []Check           `json:"checks"`
	Details   map[string]string `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
}

// protectedLifecycles is the set of states a cull must never touch, verbatim
// from spec.md §4.10.
var protectedLifecycles = map[lifecycle.Lifecycle]bool{
	lifecycle.EnteringPosition: true,
	lifecycle.PositionOpen:     true,
	lifecycle.Closing:          true,
}

// Checker runs the periodic sweep and answers /health queries.
type Checker struct {
	db      *db.Database
	lcMgr   *lifecycle.Manager
	orch    *orchestrator.Orchestrator
	metrics *metrics.Registry
	bus     *events.Bus

	interval       time.Duration
	cooldownWindow time.Duration

	mu       sync.Mutex
	degraded map[string]string // userID -> reason

	unsubDegraded func()
}

// New constructs a Checker. cooldownWindow is the grace period after a
// lifecycle transition during which a worker is left alone even outside a
// protected state — a just-aborted ANALYZING worker is mid-cooldown, not
// actually stuck.
func New(database *db.Database, lcMgr *lifecycle.Manager, orch *orchestrator.Orchestrator,
	reg *metrics.Registry, bus *events.Bus, interval, cooldownWindow time.Duration) *Checker {
	c := &Checker{
		db: database, lcMgr: lcMgr, orch: orch, metrics: reg, bus: bus,
		interval: interval, cooldownWindow: cooldownWindow,
		degraded: make(map[string]string),
	}
	ch, unsub := bus.Subscribe(events.EventHealthDegraded, 32)
	c.unsubDegraded = unsub
	go func() {
		for payload := range ch {
			if userID, ok := payload.(string); ok {
				c.markDegraded(userID, "emergency close failed or recovery timeout")
			}
		}
	}()
	return c
}

func (c *Checker) markDegraded(userID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded[userID] = reason
	c.metrics.HealthDegraded.Set(float64(len(c.degraded)))
	log.Printf("🚨 health: user=%s flagged degraded: %s", userID, reason)
}

// ClearDegraded is the operator-intervention path (§7: "degraded state
// surfaces through /health... " implies manual recovery, never automatic).
func (c *Checker) ClearDegraded(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.degraded, userID)
	c.metrics.HealthDegraded.Set(float64(len(c.degraded)))
}

// Run loops the periodic sweep until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.unsubDegraded()
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep implements §4.10's liveness pass: for every job the orchestrator
// currently believes is running, load the persisted lifecycle state and
// decide whether it is safe to touch. Nothing here ever calls StopRunner on
// a protected or cooling-down worker — the whole point of this rule.
func (c *Checker) sweep(ctx context.Context) {
	jobs := c.orch.Status("")
	open := 0
	culled := 0

	for _, job := range jobs {
		st, err := c.lcMgr.Get(job.UserID)
		if err != nil {
			log.Printf("⚠️  health: user=%s load state failed: %v", job.UserID, err)
			continue
		}
		if st.HasPosition {
			open++
		}

		if protectedLifecycles[st.Lifecycle] {
			continue // never cull in-trade or mid-transition work
		}
		if time.Since(st.LastTransition) < c.cooldownWindow {
			continue // within cooldown, leave it alone this cycle
		}
		// A worker still registered with the orchestrator whose persisted
		// state has already fallen back to IDLE (e.g. the user's own
		// stop_strategy raced the in-memory cleanup) is the one case
		// spec.md explicitly permits culling: "status explicitly says
		// stopped". Anything else (ANALYZING/SIGNAL_DETECTED mid-cooldown)
		// is left for the next sweep rather than force-stopped.
		if st.Lifecycle == lifecycle.Idle {
			log.Printf("🧹 health: user=%s job=%s persisted state is idle but worker still registered, culling", job.UserID, job.JobID)
			if err := c.orch.StopRunner(ctx, job.JobID, false); err != nil {
				log.Printf("⚠️  health: cull of job=%s failed: %v", job.JobID, err)
				continue
			}
			culled++
		}
	}

	c.metrics.PositionsOpen.Set(float64(open))
	c.bus.Publish(events.EventHealthCheck, map[string]int{"open": open, "culled": culled, "workers": len(jobs)})
}

// CheckSystem answers GET /health: database, degraded-user and memory checks
// folded into one overall status, grounded on the teacher's
// scripts/health_check.go HealthReport shape.
func (c *Checker) CheckSystem(ctx context.Context) Report {
	checks := []Check{c.checkDatabase(ctx), c.checkDegraded(), c.checkMemory()}

	overall := StatusHealthy
	for _, chk := range checks {
		if chk.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if chk.Status == StatusDegraded && overall != StatusUnhealthy {
			overall = StatusDegraded
		}
	}

	return Report{
		Status: overall,
		Checks: checks,
		Details: map[string]string{
			"uptime_seconds": c.metrics.Uptime().String(),
		},
		Timestamp: time.Now(),
	}
}

func (c *Checker) checkDatabase(ctx context.Context) Check {
	if err := c.db.DB.PingContext(ctx); err != nil {
		return Check{Name: "database", Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Check{Name: "database", Status: StatusHealthy}
}

func (c *Checker) checkDegraded() Check {
	c.mu.Lock()
	n := len(c.degraded)
	c.mu.Unlock()
	if n == 0 {
		return Check{Name: "degraded_users", Status: StatusHealthy}
	}
	return Check{Name: "degraded_users", Status: StatusDegraded, Detail: fmtCount(n)}
}

func (c *Checker) checkMemory() Check {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return Check{Name: "memory", Status: StatusDegraded, Detail: err.Error()}
	}
	if stat.UsedPercent > 95 {
		return Check{Name: "memory", Status: StatusUnhealthy, Detail: fmtPercent(stat.UsedPercent)}
	}
	if stat.UsedPercent > 85 {
		return Check{Name: "memory", Status: StatusDegraded, Detail: fmtPercent(stat.UsedPercent)}
	}
	return Check{Name: "memory", Status: StatusHealthy}
}

func fmtCount(n int) string {
	return fmt.Sprintf("%d user(s) degraded", n)
}

func fmtPercent(p float64) string {
	return fmt.Sprintf("memory at %.1f%%", p)
}
