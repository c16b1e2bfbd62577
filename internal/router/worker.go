package router

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const queueSize = 64

// Worker is the single logical worker of the subsystem. It consumes requests
// from one inbound channel, dispatches them in order, and emits replies on
// the outbound channel. There is no shared mutable state with callers; all
// communication is message passing.
type Worker struct {
	router    *Router
	requests  chan Request
	responses chan Response
	logger    *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan *Response
}

// NewWorker creates a worker over the given router.
func NewWorker(r *Router, logger *zap.Logger) *Worker {
	return &Worker{
		router:    r,
		requests:  make(chan Request, queueSize),
		responses: make(chan Response, queueSize),
		logger:    logger,
		waiters:   make(map[string]chan *Response),
	}
}

// modelBound reports whether a method may await model initialization. Such
// requests are dispatched off the loop: a multi-second model load must never
// stall callers that only need cached vectors. The store's in-flight pending
// set keeps concurrent embedding batches from duplicating work.
func modelBound(method string) bool {
	switch method {
	case MethodComputeExcerptEmbeddings, MethodSemanticSearch:
		return true
	}
	return false
}

// Run processes requests until ctx is done. Cache-only requests are handled
// one at a time in arrival order; model-bound requests are handed to their own
// goroutine so the loop keeps draining while the model loads, with each reply
// delivered when its dispatch completes.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			if modelBound(req.Method) {
				go func(req Request) {
					w.deliver(req.ID, w.router.Dispatch(ctx, req))
				}(req)
				continue
			}
			w.deliver(req.ID, w.router.Dispatch(ctx, req))
		}
	}
}

// Submit enqueues a request without waiting for its reply.
func (w *Worker) Submit(req Request) {
	w.requests <- req
}

// Responses returns the outbound reply channel for submitted requests that
// have no registered waiter.
func (w *Worker) Responses() <-chan Response {
	return w.responses
}

// Do enqueues a request and waits for its reply. The returned response is nil
// for fire-and-forget methods and undecodable requests. req.ID must be unique
// among in-flight Do calls.
func (w *Worker) Do(ctx context.Context, req Request) (*Response, error) {
	ch := make(chan *Response, 1)
	w.mu.Lock()
	w.waiters[req.ID] = ch
	w.mu.Unlock()

	select {
	case w.requests <- req:
	case <-ctx.Done():
		w.dropWaiter(req.ID)
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		w.dropWaiter(req.ID)
		return nil, ctx.Err()
	}
}

func (w *Worker) deliver(id string, resp *Response) {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()

	if ok {
		ch <- resp
		return
	}
	if resp == nil {
		return
	}
	select {
	case w.responses <- *resp:
	default:
		w.logger.Warn("response channel full, dropping reply", zap.String("method", resp.Method))
	}
}

func (w *Worker) dropWaiter(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}
