package persistent

import "time"

// DispatchPending asks the delivery worker to try pk. A buddy already
// waiting is not queued twice. The worker starts on demand and exits
// after the idle timeout.
func (h *Handler) DispatchPending(pk []byte) {
	key := string(pk)

	h.queueMu.Lock()
	if h.ctx.Err() != nil {
		h.queueMu.Unlock()
		return
	}
	for _, k := range h.queue {
		if k == key {
			h.queueMu.Unlock()
			return
		}
	}
	h.queue = append(h.queue, key)
	if !h.workerRunning {
		h.workerRunning = true
		h.wg.Add(1)
		go h.worker()
	}
	h.queueMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) worker() {
	defer h.wg.Done()

	idle := time.NewTimer(h.config.IdleTimeout)
	defer idle.Stop()

	for {
		h.queueMu.Lock()
		if len(h.queue) > 0 {
			key := h.queue[0]
			h.queue = h.queue[1:]
			h.queueMu.Unlock()

			h.dispatch([]byte(key))
			continue
		}
		h.queueMu.Unlock()

		idle.Reset(h.config.IdleTimeout)
		select {
		case <-h.ctx.Done():
			h.queueMu.Lock()
			h.workerRunning = false
			h.queueMu.Unlock()
			return
		case <-h.wake:
		case <-idle.C:
			h.queueMu.Lock()
			if len(h.queue) == 0 {
				h.workerRunning = false
				h.queueMu.Unlock()
				return
			}
			h.queueMu.Unlock()
		}
	}
}
