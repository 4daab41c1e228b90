package worker

// shareBlockOperations handles propagating the blocks imported from peers.
func (w *Worker) shareBlockOperations() {
	w.evHandler("worker: shareBlockOperations: G started")
	defer w.evHandler("worker: shareBlockOperations: G completed")

	w.state.Registry().DistributeBlocks(w.ctx)
}

// shareTxOperations handles sending the pending transactions to the peers
// that become active.
func (w *Worker) shareTxOperations() {
	w.evHandler("worker: shareTxOperations: G started")
	defer w.evHandler("worker: shareTxOperations: G completed")

	w.state.Registry().DistributeTransactions(w.ctx)
}
