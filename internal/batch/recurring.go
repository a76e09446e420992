package batch

import (
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Recurring runs a batch request on a cron schedule. Each firing
// submits a fresh batch through the scheduler; overlapping runs are
// possible and left to the manager's admission gate to bound.
type Recurring struct {
	scheduler *Scheduler

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[cron.EntryID]string // entry id -> cron spec, for listing
	started bool
}

// NewRecurring builds a recurring runner over the scheduler.
func NewRecurring(scheduler *Scheduler) *Recurring {
	return &Recurring{
		scheduler: scheduler,
		cron:      cron.New(),
		entries:   make(map[cron.EntryID]string),
	}
}

// Schedule registers a batch to run on the given cron spec (standard
// five-field format). The first run happens at the next matching tick.
func (r *Recurring) Schedule(spec string, req Request) (cron.EntryID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.cron.AddFunc(spec, func() {
		batch, err := r.scheduler.Start(r.scheduler.ctx, req)
		if err != nil {
			log.Printf("[Batch] scheduled run failed: %v", err)
			return
		}
		log.Printf("[Batch %s] scheduled run started (%d entries)", batch.ID, len(batch.Items))
	})
	if err != nil {
		return 0, fmt.Errorf("schedule batch: %w", err)
	}
	r.entries[id] = spec
	if !r.started {
		r.cron.Start()
		r.started = true
	}
	return id, nil
}

// Unschedule removes a recurring batch.
func (r *Recurring) Unschedule(id cron.EntryID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cron.Remove(id)
	delete(r.entries, id)
}

// Specs returns the registered cron specs keyed by entry id.
func (r *Recurring) Specs() map[cron.EntryID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[cron.EntryID]string, len(r.entries))
	for id, spec := range r.entries {
		out[id] = spec
	}
	return out
}

// Stop halts the cron loop. In-flight batch submissions finish.
func (r *Recurring) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.cron.Stop()
		r.started = false
	}
}
