// Package pipeline wires the source, queue, parser, and writer into a
// running ingestion process (C5): one subscribe loop plus a worker pool
// of drain loops, one pool per configured topic.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/yhyj/datawizard/internal/parser"
	"github.com/yhyj/datawizard/internal/queue"
	"github.com/yhyj/datawizard/internal/telemetry"
)

// Source is the subset of the broker client the pipeline drives.
type Source interface {
	Run(ctx context.Context) error
}

// Writer is the subset of the database writer the drain loop uses.
type Writer interface {
	Insert(ctx context.Context, plan parser.InsertPlan) error
}

// Config controls worker fan-out and parser wiring.
type Config struct {
	// Flow selects the parser target family; only "postgresql" is
	// implemented downstream.
	Flow string
	// WorkersPerTopic is cfg.Main.Number; <= 0 means runtime.NumCPU().
	WorkersPerTopic int
	Parser          parser.Config
}

// Pipeline owns the running source and per-topic worker pools.
type Pipeline struct {
	source Source
	queues *queue.Map
	writer Writer
	cfg    Config
	log    zerolog.Logger
}

// New builds a Pipeline. Nothing runs until Start is called.
func New(source Source, queues *queue.Map, writer Writer, cfg Config, log zerolog.Logger) *Pipeline {
	if cfg.WorkersPerTopic <= 0 {
		cfg.WorkersPerTopic = runtime.NumCPU()
	}
	return &Pipeline{source: source, queues: queues, writer: writer, cfg: cfg, log: log}
}

// Start launches the source's subscribe loop and the worker pool
// together. It returns when ctx is canceled or the source reports a
// fatal error.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	for _, topic := range p.queues.Topics() {
		t, _ := p.queues.Topic(topic)
		for i := 0; i < p.cfg.WorkersPerTopic; i++ {
			wg.Add(1)
			go func(t *queue.Topic) {
				defer wg.Done()
				p.drain(ctx, t)
			}(t)
		}
	}

	err := p.source.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// drain runs one worker's loop: get a payload, decode, parse, insert
// each resulting plan, repeat. Every step logs and continues on
// failure; no single message failure is fatal. The ctx.Done() check at
// the top of each iteration is a cancellation point beyond what a
// steady-state deployment needs — in production the loop blocks
// indefinitely on queue.Get.
func (p *Pipeline) drain(ctx context.Context, t *queue.Topic) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, ok := t.Get(ctx)
		if !ok {
			return
		}

		if !utf8.Valid(payload) {
			p.log.Error().Str("topic", t.Name()).Msg("payload is not valid UTF-8, dropping message")
			continue
		}

		batch, err := telemetry.Decode(payload)
		if err != nil {
			p.log.Error().Err(err).Str("topic", t.Name()).Msg("payload decode failed, dropping message")
			continue
		}

		plans, err := parser.Parse(p.cfg.Flow, p.cfg.Parser, batch)
		if err != nil {
			p.log.Error().Err(err).Str("topic", t.Name()).Msg("parse failed, dropping message")
			continue
		}

		start := time.Now()
		for _, plan := range plans {
			if err := p.writer.Insert(ctx, plan); err != nil {
				p.log.Error().Err(err).Str("schema", plan.Schema).Str("table", plan.Table).Msg("insert failed")
				continue
			}
		}
		p.log.Debug().Str("topic", t.Name()).Dur("cost", time.Since(start)).Int("plans", len(plans)).Msg("message processed")
	}
}
