package presence

import "sync"

// latestDispatcher runs submitted tasks one at a time on a background
// goroutine. A task submitted while another is still waiting replaces
// it, so only the most recent request executes.
type latestDispatcher struct {
	mu      sync.Mutex
	idle    *sync.Cond
	pending func()
	running bool
}

func newLatestDispatcher() *latestDispatcher {
	d := &latestDispatcher{}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Dispatch queues task, replacing any task that has not started.
func (d *latestDispatcher) Dispatch(task func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = task
	if !d.running {
		d.running = true
		go d.run()
	}
}

func (d *latestDispatcher) run() {
	for {
		d.mu.Lock()
		task := d.pending
		d.pending = nil
		if task == nil {
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		task()
	}
}

// Wait blocks until no task is queued or running.
func (d *latestDispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		d.idle.Wait()
	}
}
