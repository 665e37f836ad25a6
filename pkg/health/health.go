// Package health runs periodic component checks and reports an
// aggregate status for the health endpoint.
package health

import (
	"sync"
	"time"

	"roleplay-chat-demo/backend/pkg/logger"
)

// Status represents the health status of a component
type Status string

const (
	// StatusUp indicates a component is working correctly
	StatusUp Status = "up"
	// StatusDown indicates a component is not working
	StatusDown Status = "down"
	// StatusDegraded indicates a component is working but with reduced functionality
	StatusDegraded Status = "degraded"
)

// Component represents a system component that can be health-checked
type Component struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Description string    `json:"description,omitempty"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check represents a health check function
type Check func() (Status, string, error)

// Checker manages health checks for the system
type Checker struct {
	checks     map[string]Check
	components map[string]*Component
	mutex      sync.RWMutex
	log        *logger.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewChecker creates a new health checker
func NewChecker(log *logger.Logger) *Checker {
	checker := &Checker{
		checks:     make(map[string]Check),
		components: make(map[string]*Component),
		log:        log,
		stop:       make(chan struct{}),
	}

	checker.RegisterCheck("self", func() (Status, string, error) {
		return StatusUp, "health checker is running", nil
	})

	return checker
}

// RegisterCheck registers a new health check
func (c *Checker) RegisterCheck(name string, check Check) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.checks[name] = check
	c.components[name] = &Component{Name: name, Status: StatusDown}
}

// Start runs all checks on the given period until Stop is called.
func (c *Checker) Start(period time.Duration) {
	c.RunChecks()
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RunChecks()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the periodic checks.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// RunChecks executes every registered check once.
func (c *Checker) RunChecks() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for name, check := range c.checks {
		status, description, err := check()
		component := c.components[name]
		component.Status = status
		component.Description = description
		component.LastChecked = time.Now()
		component.Error = ""
		if err != nil {
			component.Error = err.Error()
			c.log.Warn("health check failed", "component", name, "error", err.Error())
		}
	}
}

// Report returns all component states and the aggregate status: down if
// any component is down, degraded if any is degraded, up otherwise.
func (c *Checker) Report() (Status, []Component) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	overall := StatusUp
	components := make([]Component, 0, len(c.components))
	for _, component := range c.components {
		components = append(components, *component)
		switch component.Status {
		case StatusDown:
			overall = StatusDown
		case StatusDegraded:
			if overall == StatusUp {
				overall = StatusDegraded
			}
		}
	}
	return overall, components
}
