package store

import (
	"context"
	"log"
	"os"
	"time"
)

var logger = log.New(os.Stdout, "[STORE] ", log.LstdFlags)

const (
	mirrorQueueSize  = 1024
	mirrorMaxRetries = 5
	mirrorRetryDelay = 2 * time.Second
)

type mirrorOp struct {
	name     string
	attempts int
	run      func(ctx context.Context) error
}

// Mirror serialises store writes onto a background worker so handler
// paths never block on the database. Failed writes are retried with a
// delay; after the retry budget they are logged and dropped — memory
// remains the source of truth.
type Mirror struct {
	store Store
	ops   chan mirrorOp
}

// NewMirror wraps a store with the async write queue.
func NewMirror(s Store) *Mirror {
	return &Mirror{
		store: s,
		ops:   make(chan mirrorOp, mirrorQueueSize),
	}
}

// Store exposes the wrapped store for synchronous reads.
func (m *Mirror) Store() Store { return m.store }

// Run drains the write queue until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.ops:
			opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := op.run(opCtx)
			cancel()
			if err == nil {
				continue
			}
			op.attempts++
			if op.attempts >= mirrorMaxRetries {
				logger.Printf("mirror %s failed after %d attempts, dropping: %v", op.name, op.attempts, err)
				continue
			}
			logger.Printf("mirror %s failed (attempt %d), retrying: %v", op.name, op.attempts, err)
			go func(op mirrorOp) {
				select {
				case <-ctx.Done():
				case <-time.After(mirrorRetryDelay):
					m.enqueue(op)
				}
			}(op)
		}
	}
}

func (m *Mirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		logger.Printf("mirror queue full, dropping %s write", op.name)
	}
}

// Enqueue schedules one named write.
func (m *Mirror) Enqueue(name string, run func(ctx context.Context) error) {
	m.enqueue(mirrorOp{name: name, run: run})
}
