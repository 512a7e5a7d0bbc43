// Package notify delivers operational notifications (check-in outcomes,
// batch completions) through the channels configured in the settings row.
//
// Delivery is asynchronous: a bounded queue feeds a small worker pool behind
// a token-bucket rate limit. Channel settings are re-read from the store for
// every delivery so API edits take effect without a restart. Every channel
// is best-effort; a failing channel never blocks the others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leafcheck/internal/config"
	"leafcheck/internal/eventbus"
	rtsup "leafcheck/internal/runtime/supervisor"
	"leafcheck/internal/storage"
	logx "leafcheck/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
	ErrDisabled  = errors.New("notify: disabled")
)

// Message is one notification to deliver.
type Message struct {
	Title   string
	Body    string
	Account string // optional, for logging only
}

type Service struct {
	mu sync.Mutex

	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	cfg     config.NotifyConfig
	limiter *rate.Limiter
	httpc   *http.Client

	accepting bool
	queue     chan Message
	sup       *rtsup.Supervisor
}

func New(cfg config.NotifyConfig, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		log:   log.With(logx.String("svc", "notify")),
		bus:   bus,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg config.NotifyConfig) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg config.NotifyConfig) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	s.cfg = cfg
	// Burst = rate so short spikes don't stall the workers.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort; a worker failure must not cancel siblings.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("notify.worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			// Queue closed during shutdown is a clean exit.
			return nil
		})
	}
}

// Stop blocks intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	close(q)
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sup.Cancel()
		}
	}
}

// Deliver enqueues a message. It never blocks.
func (s *Service) Deliver(msg Message) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.mu.Unlock()

	select {
	case q <- msg:
		return nil
	default:
		s.log.Warn("queue full, dropping notification", logx.String("title", msg.Title))
		return ErrQueueFull
	}
}

// TestSend delivers synchronously, bypassing the queue. Used by the API's
// test endpoint so the operator sees channel errors directly.
func (s *Service) TestSend(ctx context.Context, msg Message) error {
	settings, err := s.store.NotifySettings(ctx)
	if err != nil {
		return err
	}
	if !settings.Enabled {
		return ErrDisabled
	}
	channels := buildChannels(settings, s.httpc)
	if len(channels) == 0 {
		return errors.New("notify: no channels configured")
	}

	var errs []error
	for _, ch := range channels {
		if err := ch.Send(ctx, msg.Title, msg.Body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	// Deliveries run on a detached context so cancelling the run context
	// does not abort messages already queued; Stop's deadline bounds the
	// drain via the supervisor wait.
	base := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case msg, ok := <-q:
					if !ok {
						return
					}
					s.deliver(base, msg)
				default:
					return
				}
			}
		case msg, ok := <-q:
			if !ok {
				return
			}
			s.deliver(base, msg)
		}
	}
}

func (s *Service) deliver(ctx context.Context, msg Message) {
	settings, err := s.store.NotifySettings(ctx)
	if err != nil {
		s.log.Error("cannot load notification settings", logx.Err(err))
		return
	}
	if !settings.Enabled {
		return
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	for _, ch := range buildChannels(settings, s.httpc) {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ch.Send(callCtx, msg.Title, msg.Body)
		cancel()

		now := time.Now()
		if err != nil {
			s.log.Error("notification failed",
				logx.String("channel", ch.Name()),
				logx.String("title", msg.Title),
				logx.Err(err))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: now, Data: DeliveryEvent{
					Channel: ch.Name(), Title: msg.Title, Account: msg.Account, Error: err.Error(),
				}})
			}
			continue
		}
		s.log.Info("notification sent",
			logx.String("channel", ch.Name()),
			logx.String("title", msg.Title))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: now, Data: DeliveryEvent{
				Channel: ch.Name(), Title: msg.Title, Account: msg.Account,
			}})
		}
	}
}

// DeliveryEvent is the bus payload for sent/failed notifications.
type DeliveryEvent struct {
	Channel string `json:"channel"`
	Title   string `json:"title"`
	Account string `json:"account,omitempty"`
	Error   string `json:"error,omitempty"`
}
