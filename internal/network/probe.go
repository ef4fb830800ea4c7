package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/chatsync/backend/internal/logging"
)

// ProberConfig holds health probing configuration.
type ProberConfig struct {
	URL         string        // Health endpoint polled with GET
	Interval    time.Duration // How often to probe (default: 15 seconds)
	Timeout     time.Duration // Per-request timeout (default: 5 seconds)
	PoorLatency time.Duration // Round trips slower than this are QualityPoor (default: 1 second)
}

// DefaultProberConfig returns default prober configuration.
func DefaultProberConfig(url string) *ProberConfig {
	return &ProberConfig{
		URL:         url,
		Interval:    15 * time.Second,
		Timeout:     5 * time.Second,
		PoorLatency: time.Second,
	}
}

// Prober polls a health URL and feeds the result into a Monitor.
type Prober struct {
	monitor *Monitor
	config  ProberConfig
	client  *http.Client
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewProber creates a Prober for monitor.
func NewProber(monitor *Monitor, config *ProberConfig) *Prober {
	cfg := *DefaultProberConfig("")
	if config != nil {
		cfg.URL = config.URL
		if config.Interval > 0 {
			cfg.Interval = config.Interval
		}
		if config.Timeout > 0 {
			cfg.Timeout = config.Timeout
		}
		if config.PoorLatency > 0 {
			cfg.PoorLatency = config.PoorLatency
		}
	}
	return &Prober{
		monitor: monitor,
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Probe performs one health check and updates the monitor.
func (p *Prober) Probe(ctx context.Context) error {
	start := time.Now()
	err := p.check(ctx)
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{
			"url":   p.config.URL,
			"error": err.Error(),
		})
		p.monitor.SetOnline(false)
		return err
	}

	p.monitor.SetOnline(true)
	if time.Since(start) > p.config.PoorLatency {
		p.monitor.SetQuality(QualityPoor)
	} else {
		p.monitor.SetQuality(QualityGood)
	}
	return nil
}

func (p *Prober) check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Start begins probing in the background.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running || p.config.URL == "" {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)

	logging.Info("Network prober started", map[string]interface{}{
		"url":         p.config.URL,
		"interval_ms": p.config.Interval.Milliseconds(),
	})
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	p.Probe(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
