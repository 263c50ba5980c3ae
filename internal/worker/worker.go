package worker

import (
	"context"
	"fmt"
	"time"

	"CharonPOS/internal/models"
	"CharonPOS/internal/reconcile"
	"CharonPOS/internal/store"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

type Poller interface {
	PollStatus(ctx context.Context, orderID string) reconcile.Result
}

// Sweeper polls every pending order on a schedule so orders settle even when
// no client is asking. The engine's backoff and in-flight exclusion still
// decide whether a poll reaches the chain.
type Sweeper struct {
	Store    store.Store
	Poller   Poller
	Interval time.Duration
	Timeout  time.Duration

	log  *log.Helper
	cron *cron.Cron
}

func NewSweeper(st store.Store, p Poller, interval time.Duration, logger log.Logger) *Sweeper {
	return &Sweeper{
		Store:    st,
		Poller:   p,
		Interval: interval,
		Timeout:  time.Minute,
		log:      log.NewHelper(log.With(logger, "module", "worker/sweeper")),
	}
}

func (s *Sweeper) Start() error {
	if s.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.Interval)
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.Interval), s.run); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.log.Infof("sweeper started interval=%s", s.Interval)
	return nil
}

// Stop halts scheduling and returns a context done when a running sweep ends.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.log.Errorf("sweep failed: %v", err)
	}
}

// SweepOnce polls each pending order once and returns how many became PAID.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	orders, err := s.Store.ListPending(ctx, "", "")
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return paid, ctx.Err()
		}
		if res := s.Poller.PollStatus(ctx, o.OrderID); res.Status == models.OrderPaid {
			paid++
		}
	}
	if len(orders) > 0 {
		s.log.Debugf("sweep pending=%d paid=%d", len(orders), paid)
	}
	return paid, nil
}

// cronLogger routes cron's own messages into the service log.
type cronLogger struct {
	h *log.Helper
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.h.Debugw(append([]any{"msg", msg}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.h.Errorw(append([]any{"msg", msg, "err", err}, keysAndValues...)...)
}
