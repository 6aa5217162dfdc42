package propagation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calcore/internal/metrics"
)

// ErrStopped is returned by Enqueue after the worker shut down.
var ErrStopped = errors.New("propagation worker stopped")

// Options configures a Worker.
type Options struct {
	Shards    int
	QueueSize int
	Retries   int
	Backoff   time.Duration
	// Remember bounds the number of delivered keys kept for deduplication.
	Remember  int
	Consumers []Consumer
	Logger    zerolog.Logger
}

// Worker fans events out to consumers. Events of one collection always land
// on the same shard, so they are handled in commit order.
type Worker struct {
	opts   Options
	shards []chan Event
	seen   *keyRing
	log    zerolog.Logger

	// sendMu is held shared across every send into a shard and exclusively
	// by Run between stopping the shard loops and draining them, so no send
	// lands in a shard nobody reads anymore.
	sendMu   sync.RWMutex
	quit     chan struct{}
	quitOnce sync.Once

	mu      sync.Mutex
	pending int
}

func NewWorker(opts Options) *Worker {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Remember < 1 {
		opts.Remember = 10000
	}
	w := &Worker{
		opts:   opts,
		shards: make([]chan Event, opts.Shards),
		seen:   newKeyRing(opts.Remember),
		log:    opts.Logger.With().Str("component", "propagation").Logger(),
		quit:   make(chan struct{}),
	}
	for i := range w.shards {
		w.shards[i] = make(chan Event, opts.QueueSize)
	}
	return w
}

func (w *Worker) shardFor(e Event) int {
	id := e.Collection.ID
	if id < 0 {
		id = -id
	}
	return int(id % int64(len(w.shards)))
}

func (w *Worker) stopping() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

// Enqueue queues an event, blocking while its shard is full. Once the worker
// stops, events raised by a consumer are handled inline and any other event
// is refused with ErrStopped.
func (w *Worker) Enqueue(ctx context.Context, e Event) error {
	fromConsumer := ctx.Value(dispatchKey{}) != nil

	w.sendMu.RLock()
	if w.stopping() {
		w.sendMu.RUnlock()
		if !fromConsumer {
			return ErrStopped
		}
		w.add()
		w.handleNow(e)
		return nil
	}
	w.add()

	shard := w.shardFor(e)
	ch := w.shards[shard]
	select {
	case ch <- e:
		w.sendMu.RUnlock()
		metrics.SetQueueDepth(shard, len(ch))
		return nil
	default:
	}
	if fromConsumer {
		// Follow-up events from a consumer must not wait on a shard that
		// may be the one running the consumer.
		w.sendMu.RUnlock()
		go w.sendLater(shard, e)
		return nil
	}
	select {
	case ch <- e:
		w.sendMu.RUnlock()
		metrics.SetQueueDepth(shard, len(ch))
		return nil
	case <-w.quit:
		w.sendMu.RUnlock()
		w.handleNow(e)
		return nil
	case <-ctx.Done():
		w.sendMu.RUnlock()
		w.done()
		return ctx.Err()
	}
}

// sendLater delivers an event that found its shard full.
func (w *Worker) sendLater(shard int, e Event) {
	w.sendMu.RLock()
	if w.stopping() {
		w.sendMu.RUnlock()
		w.handleNow(e)
		return
	}
	select {
	case w.shards[shard] <- e:
		w.sendMu.RUnlock()
		metrics.SetQueueDepth(shard, len(w.shards[shard]))
	case <-w.quit:
		w.sendMu.RUnlock()
		w.handleNow(e)
	}
}

// handleNow runs an event that can no longer reach its shard.
func (w *Worker) handleNow(e Event) {
	w.dispatch(context.Background(), e)
	w.done()
}

type dispatchKey struct{}

func (w *Worker) add() {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
}

func (w *Worker) done() {
	w.mu.Lock()
	w.pending--
	w.mu.Unlock()
}

// Run processes events until ctx is cancelled, then drains what is queued.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range w.shards {
		i, ch := i, ch
		g.Go(func() error {
			for {
				select {
				case e := <-ch:
					metrics.SetQueueDepth(i, len(ch))
					w.dispatch(context.WithoutCancel(gctx), e)
					w.done()
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	err := g.Wait()

	w.quitOnce.Do(func() { close(w.quit) })
	// Wait out sends that started before quit was closed.
	w.sendMu.Lock()
	w.sendMu.Unlock()

	// Drain with a fresh context so already committed writes still propagate.
	drain := context.Background()
	for _, ch := range w.shards {
		for {
			select {
			case e := <-ch:
				w.dispatch(drain, e)
				w.done()
				continue
			default:
			}
			break
		}
	}
	return err
}

// Flush blocks until every queued event has been handled.
func (w *Worker) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		n := w.pending
		w.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, e Event) {
	ctx = context.WithValue(ctx, dispatchKey{}, true)
	for _, c := range w.opts.Consumers {
		key := c.Name() + "|" + e.Key()
		if w.seen.Has(key) {
			metrics.PropagationHandled(c.Name(), "duplicate")
			continue
		}
		if err := w.deliver(ctx, c, e); err != nil {
			metrics.PropagationHandled(c.Name(), "failed")
			w.log.Error().Err(err).
				Str("consumer", c.Name()).
				Int64("collection", e.Collection.ID).
				Int64("token", e.SyncToken).
				Str("kind", string(e.Kind)).
				Str("name", e.Name).
				Msg("propagation gave up")
			continue
		}
		w.seen.Add(key)
		metrics.PropagationHandled(c.Name(), "ok")
	}
}

func (w *Worker) deliver(ctx context.Context, c Consumer, e Event) error {
	var err error
	delay := w.opts.Backoff
	for attempt := 0; attempt <= w.opts.Retries; attempt++ {
		if attempt > 0 {
			w.log.Warn().Err(err).Str("consumer", c.Name()).Int("attempt", attempt).Msg("retrying propagation")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if delay < 30*time.Second {
				delay *= 2
			}
		}
		if err = c.Handle(ctx, e); err == nil {
			return nil
		}
	}
	return err
}

// keyRing is a bounded set that forgets the oldest keys first.
type keyRing struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	next  int
}

func newKeyRing(size int) *keyRing {
	return &keyRing{keys: make(map[string]struct{}, size), order: make([]string, size)}
}

func (k *keyRing) Has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.keys[key]
	return ok
}

func (k *keyRing) Add(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[key]; ok {
		return
	}
	if old := k.order[k.next]; old != "" {
		delete(k.keys, old)
	}
	k.order[k.next] = key
	k.keys[key] = struct{}{}
	k.next = (k.next + 1) % len(k.order)
}
