package worker

import (
	"context"
	"time"
)

// dialTimeout bounds the status request made to a known peer.
const dialTimeout = 5 * time.Second

// peerOperations handles finding new peers.
func (w *Worker) peerOperations() {
	w.evHandler("worker: peerOperations: G started")
	defer w.evHandler("worker: peerOperations: G completed")

	for {
		select {
		case <-w.peers.C:
			if !w.isShutdown() {
				w.runPeersOperation()
			}
		case <-w.shut:
			w.evHandler("worker: peerOperations: received shut signal")
			return
		}
	}
}

// runPeersOperation connects to the known peers this node isn't connected
// to yet. Peers that can't be reached are forgotten.
func (w *Worker) runPeersOperation() {
	w.evHandler("worker: runPeersOperation: started")
	defer w.evHandler("worker: runPeersOperation: completed")

	knownPeers := w.state.KnownPeers()

	for _, pr := range knownPeers.Copy(w.state.Host()) {
		if w.isShutdown() {
			return
		}

		ctx, cancel := context.WithTimeout(w.ctx, dialTimeout)
		err := w.state.Dial(ctx, pr)
		cancel()

		if err != nil {
			w.evHandler("worker: runPeersOperation: dial: %s: ERROR: %s", pr.Host, err)
			knownPeers.Remove(pr)
		}
	}
}

// admissionOperations promotes the peers that completed their handshake.
func (w *Worker) admissionOperations() {
	w.evHandler("worker: admissionOperations: G started")
	defer w.evHandler("worker: admissionOperations: G completed")

	for {
		select {
		case <-w.admission.C:
			if !w.isShutdown() {
				w.state.Registry().ProcessPending()
			}
		case <-w.shut:
			w.evHandler("worker: admissionOperations: received shut signal")
			return
		}
	}
}
