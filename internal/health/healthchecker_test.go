package health

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeSource struct {
	connected bool
}

func (f *fakeSource) Connected() bool { return f.connected }

func TestPingCheckerReflectsTargetHealth(t *testing.T) {
	pinger := &fakePinger{err: errors.New("down")}
	checker := NewPingChecker("db", pinger, discardLogger(), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Start(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return !checker.IsHealthy() }, time.Second, time.Millisecond)

	pinger.err = nil
	assert.Eventually(t, func() bool { return checker.IsHealthy() }, time.Second, time.Millisecond)
}

func TestSourceCheckerTracksConnectedFlag(t *testing.T) {
	source := &fakeSource{connected: false}
	checker := NewSourceChecker("broker", source)
	assert.False(t, checker.IsHealthy())

	source.connected = true
	assert.True(t, checker.IsHealthy())
}

func TestAggregatorHealthyOnlyWhenAllDepsHealthy(t *testing.T) {
	db := NewPingChecker("db", &fakePinger{}, discardLogger(), 0)
	source := NewSourceChecker("broker", &fakeSource{connected: false})

	agg := NewAggregator(discardLogger(), db, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Start(ctx, 5*time.Millisecond)

	assert.Never(t, func() bool { return agg.IsHealthy() }, 30*time.Millisecond, 5*time.Millisecond)
}
