package cli

import (
	"github.com/kimhsiao/chatsync/backend/internal/config"
	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/coordinator"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
	"github.com/kimhsiao/chatsync/backend/internal/telemetry"
)

// coordinatorOptions translates cfg into coordinator options.
func coordinatorOptions(cfg *config.Config) ([]coordinator.Option, error) {
	opts := []coordinator.Option{coordinator.WithPeriodicInterval(cfg.Sync.PeriodicInterval)}

	strategies, err := cfg.Strategies()
	if err != nil {
		return nil, err
	}
	for t, s := range strategies {
		opts = append(opts, coordinator.WithStrategy(t, s))
	}

	policies, err := cfg.RetryPolicies()
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		opts = append(opts, coordinator.WithRetryPolicies(policies))
	}

	if cfg.Sync.WritesPerSecond > 0 {
		opts = append(opts, coordinator.WithWriteLimit(cfg.Sync.WritesPerSecond, cfg.Sync.WriteBurst))
	}
	return opts, nil
}

// engine bundles what a running coordinator needs.
type engine struct {
	coord   *coordinator.Coordinator
	monitor *network.Monitor
	prober  *network.Prober
	store   storage.Store
}

// newEngine opens storage and wires a coordinator against backend.
func newEngine(cfg *config.Config, backend remote.Writer, extra ...coordinator.Option) (*engine, error) {
	opts, err := coordinatorOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	if cfg.Telemetry.Enabled {
		telemetry.Enable()
	}

	store, _ := storage.OpenOrMemory(cfg.Storage.Driver, cfg.Storage.Path)
	mon := network.NewMonitor()

	e := &engine{
		monitor: mon,
		store:   store,
		coord: coordinator.New(coordinator.Deps{
			Remote:  backend,
			Network: mon,
			Store:   store,
		}, opts...),
	}
	if cfg.Network.ProbeURL != "" {
		e.prober = network.NewProber(mon, &network.ProberConfig{
			URL:      cfg.Network.ProbeURL,
			Interval: cfg.Network.ProbeInterval,
			Timeout:  cfg.Network.ProbeTimeout,
		})
	}
	return e, nil
}

// Close stops probing, the coordinator and the store.
func (e *engine) Close() {
	if e.prober != nil {
		e.prober.Stop()
	}
	e.coord.Close()
	e.store.Close()
}
