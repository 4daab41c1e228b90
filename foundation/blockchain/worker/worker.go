// Package worker implements the background processing of the node: peer
// admission and discovery, sync maintenance, block import, and block and
// transaction propagation.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
)

// Set of default intervals for the operations.
const (
	DefaultAdmissionInterval = time.Second
	DefaultMaintainInterval  = 3 * time.Second
	DefaultPeerInterval      = time.Minute
	DefaultRetryDelay        = 2 * time.Second
)

// Config represents how often the operations run.
type Config struct {
	AdmissionInterval time.Duration
	MaintainInterval  time.Duration
	PeerInterval      time.Duration
	RetryDelay        time.Duration
}

// =============================================================================

// Worker manages the background workflows for the node.
type Worker struct {
	state      *state.State
	wg         sync.WaitGroup
	admission  *time.Ticker
	maintain   *time.Ticker
	peers      *time.Ticker
	retryDelay time.Duration
	shut       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	evHandler  state.EventHandler
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes.
func Run(st *state.State, cfg Config, evHandler state.EventHandler) {
	if cfg.AdmissionInterval <= 0 {
		cfg.AdmissionInterval = DefaultAdmissionInterval
	}
	if cfg.MaintainInterval <= 0 {
		cfg.MaintainInterval = DefaultMaintainInterval
	}
	if cfg.PeerInterval <= 0 {
		cfg.PeerInterval = DefaultPeerInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		state:      st,
		admission:  time.NewTicker(cfg.AdmissionInterval),
		maintain:   time.NewTicker(cfg.MaintainInterval),
		peers:      time.NewTicker(cfg.PeerInterval),
		retryDelay: cfg.RetryDelay,
		shut:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		evHandler:  ev,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Connect to the known peers before starting any support G's.
	w.runPeersOperation()

	// Load the set of operations we need to run.
	operations := []func(){
		w.peerOperations,
		w.admissionOperations,
		w.maintainOperations,
		w.importOperations,
		w.shareBlockOperations,
		w.shareTxOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutine performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: stop tickers")
	w.admission.Stop()
	w.maintain.Stop()
	w.peers.Stop()

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.cancel()
	w.wg.Wait()
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}

// wait pauses for the retry delay unless a shutdown is signaled. It
// reports false on shutdown.
func (w *Worker) wait() bool {
	t := time.NewTimer(w.retryDelay)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-w.shut:
		return false
	}
}
