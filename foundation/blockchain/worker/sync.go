package worker

import (
	"errors"

	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
)

// maintainOperations moves the peers through the sync cycle.
func (w *Worker) maintainOperations() {
	w.evHandler("worker: maintainOperations: G started")
	defer w.evHandler("worker: maintainOperations: G completed")

	for {
		select {
		case <-w.maintain.C:
			if !w.isShutdown() {
				w.state.Manager().Maintain()
			}
		case <-w.shut:
			w.evHandler("worker: maintainOperations: received shut signal")
			return
		}
	}
}

// importOperations inserts the queued blocks into the chain in order.
func (w *Worker) importOperations() {
	w.evHandler("worker: importOperations: G started")
	defer w.evHandler("worker: importOperations: G completed")

	if err := w.state.AwaitQueue(w.ctx); err != nil {
		w.evHandler("worker: importOperations: await queue: ERROR: %s", err)
		return
	}

	for {
		block, err := w.state.TakeBlock(w.ctx)
		if err != nil {
			if w.isShutdown() || errors.Is(err, w.ctx.Err()) {
				w.evHandler("worker: importOperations: received shut signal")
				return
			}

			w.evHandler("worker: importOperations: take: ERROR: %s", err)
			if !w.wait() {
				return
			}
			continue
		}

		result, err := w.state.ProcessBlock(block)
		if err != nil {
			w.evHandler("worker: importOperations: block[%s]: ERROR: %s", block, err)
			if !w.wait() {
				return
			}
			continue
		}

		// Give sync the time to fetch the missing history.
		if result == state.NoParent {
			if !w.wait() {
				return
			}
		}
	}
}
