// Package health aggregates component-level health checks (broker
// connectivity, database reachability) into a single service flag,
// following the same poll-and-cache shape across every check: a cheap
// atomic read for callers, a periodic probe that does the real work.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Checker is implemented by component-level probes.
type Checker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// Aggregator combines component Checkers into one service health flag:
// healthy only while every dependency reports healthy.
type Aggregator struct {
	healthy atomic.Int32
	deps    []Checker
	log     zerolog.Logger
}

// NewAggregator builds an Aggregator over deps. It starts unhealthy
// until the first evaluation.
func NewAggregator(log zerolog.Logger, deps ...Checker) *Aggregator {
	a := &Aggregator{deps: deps, log: log}
	a.healthy.Store(0)
	return a
}

// IsHealthy returns the cached aggregate flag.
func (a *Aggregator) IsHealthy() bool {
	return a.healthy.Load() == 1
}

// Start launches every dependency's own probing loop and periodically
// folds their cached flags into the aggregate.
func (a *Aggregator) Start(ctx context.Context, interval time.Duration) {
	for _, dep := range a.deps {
		go dep.Start(ctx, interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := int32(0)
	eval := func() {
		all := true
		for _, dep := range a.deps {
			if !dep.IsHealthy() {
				all = false
			}
		}
		if all {
			a.healthy.Store(1)
		} else {
			a.healthy.Store(0)
		}
		cur := a.healthy.Load()
		if cur != prev {
			if cur == 1 {
				a.log.Info().Msg("service health: UP")
			} else {
				a.log.Error().Msg("service health: DOWN")
			}
			prev = cur
		}
	}

	eval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eval()
		}
	}
}

// Pinger is satisfied by the database writer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker polls a Pinger (the database writer) on an interval.
type PingChecker struct {
	name         string
	target       Pinger
	log          zerolog.Logger
	probeTimeout time.Duration
	healthy      atomic.Int32
}

// NewPingChecker builds a Checker backed by target.Ping.
func NewPingChecker(name string, target Pinger, log zerolog.Logger, probeTimeout time.Duration) *PingChecker {
	c := &PingChecker{name: name, target: target, log: log, probeTimeout: probeTimeout}
	c.healthy.Store(0)
	return c
}

func (c *PingChecker) Name() string     { return c.name }
func (c *PingChecker) IsHealthy() bool  { return c.healthy.Load() == 1 }

func (c *PingChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		to := c.probeTimeout
		if to <= 0 {
			to = 2 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, to)
		defer cancel()

		if err := c.target.Ping(probeCtx); err != nil {
			c.log.Error().Err(err).Str("checker", c.name).Msg("health probe failed")
			c.healthy.Store(0)
			return
		}
		c.healthy.Store(1)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// ConnectedSource is satisfied by the MQTT source client.
type ConnectedSource interface {
	Connected() bool
}

// SourceChecker wraps a ConnectedSource's own cached flag; it requires
// no separate polling loop since the client already tracks its state.
type SourceChecker struct {
	name   string
	source ConnectedSource
}

// NewSourceChecker builds a Checker backed by source.Connected.
func NewSourceChecker(name string, source ConnectedSource) *SourceChecker {
	return &SourceChecker{name: name, source: source}
}

func (c *SourceChecker) Name() string    { return c.name }
func (c *SourceChecker) IsHealthy() bool { return c.source.Connected() }

// Start is a no-op: ConnectedSource already maintains its own state.
func (c *SourceChecker) Start(ctx context.Context, interval time.Duration) {
	<-ctx.Done()
}
