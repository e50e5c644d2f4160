package incoming

import (
	"context"
	"net"
	"time"

	"tcpdnsproxy/backend"
	"tcpdnsproxy/stream"
	"tcpdnsproxy/types"
	"tcpdnsproxy/utils"
)

// Handoff is one accepted connection passed from an acceptor to a worker
// over the worker's own pipe (round-robin across workers, or always the
// first worker in single-pipe mode).
type Handoff struct {
	Raw      net.Conn
	Endpoint *types.EndpointConfig
	Release  func()
}

// Worker owns one worker-local backend pool and the goroutines it hands
// accepted connections to. Workers never share a pool.
type Worker struct {
	cfg    *types.Config
	policy Policy
	global *types.GlobalCounters
	epoch  *stream.TicketEpoch

	pool   *backend.Pool
	handCh chan *Handoff
	sweep  *utils.Ticker
}

// NewWorker creates a worker with an empty pool and, if configured, a
// background ticker that sweeps half-dead pooled connections.
func NewWorker(cfg *types.Config, policy Policy, global *types.GlobalCounters, epoch *stream.TicketEpoch) *Worker {
	w := &Worker{
		cfg:    cfg,
		policy: policy,
		global: global,
		epoch:  epoch,
		pool:   backend.NewPool(),
		handCh: make(chan *Handoff, cfg.MaxTCPQueuedConnections),
	}
	if cfg.DownstreamTCPCleanupInterval > 0 {
		w.sweep = utils.NewTicker(cfg.DownstreamTCPCleanupInterval, func(_ time.Time) {
			w.pool.Sweep()
		})
	}
	return w
}

// Submit hands a connection to this worker, non-blocking; the caller (the
// acceptor) decides what to do when the worker's queue is already full.
func (w *Worker) Submit(h *Handoff) bool {
	select {
	case w.handCh <- h:
		return true
	default:
		return false
	}
}

// Run dispatches handed-off connections to their own goroutine until ctx
// is cancelled, then closes the worker's pool and stops its sweep ticker.
func (w *Worker) Run(ctx context.Context) {
	defer w.Close()
	for {
		select {
		case h := <-w.handCh:
			conn := NewConn(h.Raw, h.Endpoint, w.cfg, w.pool, w.policy, w.global, w.epoch, h.Release)
			go conn.Run()
		case <-ctx.Done():
			return
		}
	}
}

// Close tears down the worker's pool and sweep ticker.
func (w *Worker) Close() {
	if w.sweep != nil {
		w.sweep.Stop()
	}
	w.pool.Close()
}
