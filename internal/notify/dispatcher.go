package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Dispatch after Close
var ErrClosed = errors.New("notify: dispatcher closed")

// Options configures a Dispatcher
type Options struct {
	Workers       int           // default 2
	QueueSize     int           // default 256
	RatePerMinute int           // per App; 0 disables throttling
	DrainTimeout  time.Duration // default 10s
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Workers:       2,
		QueueSize:     256,
		RatePerMinute: 60,
		DrainTimeout:  10 * time.Second,
	}
}

// appRateLimiter throttles delivery per App. Callers wait for a token
// rather than losing the notification.
type appRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newAppRateLimiter(perMinute int) *appRateLimiter {
	l := &appRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Inf,
		burst:    1,
	}
	if perMinute > 0 {
		l.rate = rate.Limit(float64(perMinute) / 60.0)
		l.burst = max(1, perMinute/10) // 10% burst, minimum 1
	}
	return l
}

func (l *appRateLimiter) Wait(ctx context.Context, appID string) error {
	l.mu.Lock()
	limiter, ok := l.limiters[appID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[appID] = limiter
	}
	l.mu.Unlock()
	return limiter.Wait(ctx)
}

// Dispatcher delivers notifications asynchronously through a Mailer
type Dispatcher struct {
	logger  *zap.Logger
	mailer  Mailer
	opts    Options
	limiter *appRateLimiter

	queue  chan Notification
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
}

// NewDispatcher creates a Dispatcher. Call Start to launch its workers.
func NewDispatcher(mailer Mailer, logger *zap.Logger, opts Options) *Dispatcher {
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaults.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:  logger.Named("dispatcher"),
		mailer:  mailer,
		opts:    opts,
		limiter: newAppRateLimiter(opts.RatePerMinute),
		queue:   make(chan Notification, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Non-blocking; later calls do nothing.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for range d.opts.Workers {
			d.wg.Add(1)
			go d.worker()
		}
		d.logger.Info("dispatcher started",
			zap.String("mailer", d.mailer.Name()),
			zap.Int("workers", d.opts.Workers),
			zap.Int("rate_per_minute", d.opts.RatePerMinute))
	})
}

// Dispatch queues n for delivery. A notification without recipients is
// skipped. When the queue is full Dispatch waits for room or for ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		notificationsTotal.WithLabelValues(d.mailer.Name(), "skipped").Inc()
		d.logger.Debug("no watchers, skipping notification",
			zap.String("app", n.AppName),
			zap.String("problem_id", n.ProblemID))
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- n:
		queueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered. After DrainTimeout in-flight deliveries are cancelled.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(d.opts.DrainTimeout):
			d.logger.Warn("notification drain timed out, cancelling deliveries",
				zap.Int("pending", len(d.queue)))
			err = errors.New("notify: drain timed out")
			d.cancel()
			<-done
		}
		d.cancel()
	})
	return err
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		queueDepth.Dec()
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	name := d.mailer.Name()

	if err := d.limiter.Wait(d.ctx, n.AppID); err != nil {
		notificationsTotal.WithLabelValues(name, "cancelled").Inc()
		d.logger.Warn("notification cancelled while throttled",
			zap.String("problem_id", n.ProblemID), zap.Error(err))
		return
	}

	start := time.Now()
	err := d.mailer.Send(d.ctx, n)
	sendDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		notificationsTotal.WithLabelValues(name, "failed").Inc()
		d.logger.Error("failed to send notification",
			zap.String("problem_id", n.ProblemID),
			zap.Strings("to", n.Recipients),
			zap.Error(err))
		return
	}

	notificationsTotal.WithLabelValues(name, "sent").Inc()
	d.logger.Info("notification sent",
		zap.String("problem_id", n.ProblemID),
		zap.String("subject", n.Subject))
}
