package ingest

import (
	"context"
	"sync"

	"github.com/mailtriage/mailtriage/logger"
)

// Dispatcher runs at most one ingestion pass per user at a time, so one
// user's delta never blocks another's, while notifications arriving during
// a pass coalesce into a single follow-up pass. The webhook handler calls
// Notify and returns immediately.
type Dispatcher struct {
	pipeline *Pipeline

	mu      sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
	pending map[string]*userRun
}

type userRun struct {
	again      bool
	resourceID string
}

func NewDispatcher(ctx context.Context, pipeline *Pipeline) *Dispatcher {
	return &Dispatcher{
		pipeline: pipeline,
		ctx:      ctx,
		pending:  make(map[string]*userRun),
	}
}

// Notify schedules an ingestion pass for the user. If one is already in
// flight, the notification is folded into a follow-up pass.
func (d *Dispatcher) Notify(userID, resourceID string) {
	d.mu.Lock()
	if run, inFlight := d.pending[userID]; inFlight {
		run.again = true
		run.resourceID = resourceID
		d.mu.Unlock()
		return
	}
	d.pending[userID] = &userRun{resourceID: resourceID}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(userID, resourceID)
}

func (d *Dispatcher) run(userID, resourceID string) {
	defer d.wg.Done()
	for {
		if d.ctx.Err() != nil {
			d.mu.Lock()
			delete(d.pending, userID)
			d.mu.Unlock()
			return
		}

		if err := d.pipeline.Ingest(d.ctx, userID, resourceID); err != nil {
			// The checkpoint was not advanced; the next notification or
			// scheduled pass redelivers this delta.
			logger.Error("ingest: pass failed", "user_id", userID, "error", err)
		}

		d.mu.Lock()
		run := d.pending[userID]
		if run == nil || !run.again {
			delete(d.pending, userID)
			d.mu.Unlock()
			return
		}
		run.again = false
		resourceID = run.resourceID
		d.mu.Unlock()
	}
}

// Wait blocks until all in-flight passes have finished; used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
