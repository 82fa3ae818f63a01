package buddy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds the periods of the registry's background work.
type MaintenanceConfig struct {
	// How often timeouts are checked and status lookups scheduled
	SweepInterval time.Duration
	// How often our presence records are republished
	RepublishInterval time.Duration
	// How often pending-message markers are read
	MessagePendingInterval time.Duration
	// How often throttle expiry is checked
	ThrottleInterval time.Duration
	// How often dirty buddy details are saved
	SaveInterval time.Duration
}

// DefaultMaintenanceConfig returns the production periods.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepInterval:          10 * time.Second,
		RepublishInterval:      time.Minute,
		MessagePendingInterval: 5 * time.Minute,
		ThrottleInterval:       time.Minute,
		SaveInterval:           time.Minute,
	}
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	d := DefaultMaintenanceConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = d.RepublishInterval
	}
	if c.MessagePendingInterval <= 0 {
		c.MessagePendingInterval = d.MessagePendingInterval
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = d.ThrottleInterval
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = d.SaveInterval
	}
	return c
}

// Maintainer runs the registry's periodic tasks.
type Maintainer struct {
	registry *Registry
	config   MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

func newMaintainer(r *Registry, config MaintenanceConfig) *Maintainer {
	return &Maintainer{
		registry: r,
		config:   config,
	}
}

// Start begins the maintenance routines.
func (m *Maintainer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	m.isRunning = true
	m.ctx, m.cancel = context.WithCancel(m.registry.ctx)

	m.wg.Add(5)
	go m.every(m.config.SweepInterval, func() {
		m.registry.Sweep(m.registry.tp.Now())
	})
	go m.every(m.config.RepublishInterval, m.republish)
	go m.every(m.config.MessagePendingInterval, func() {
		m.registry.CheckMessagePending(m.ctx)
	})
	go m.every(m.config.ThrottleInterval, m.registry.ExpireThrottles)
	go m.every(m.config.SaveInterval, m.save)

	logrus.WithFields(logrus.Fields{
		"function":       "Start",
		"sweep_interval": m.config.SweepInterval,
	}).Info("Buddy maintenance started")
	return nil
}

// Stop halts the maintenance routines and waits for them.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) every(interval time.Duration, task func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}

// republish refreshes our presence records. Directories skip payloads
// that are unchanged and still inside their liveness period.
func (m *Maintainer) republish() {
	for _, d := range m.registry.config.Directories {
		if d.RetryPending() {
			continue
		}
		d.Republish()
	}
}

func (m *Maintainer) save() {
	if err := m.registry.SaveIfDirty(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "save",
			"error":    err.Error(),
		}).Warn("Failed to save buddies")
	}
}
