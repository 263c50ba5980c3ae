package worker

import (
	"context"
	"errors"
	"time"

	"CharonPOS/internal/chain"
	"CharonPOS/internal/models"
	"CharonPOS/internal/reconcile"

	"github.com/go-kratos/kratos/v2/log"
)

type SignatureObserver interface {
	ObserveSignature(ctx context.Context, signature, merchant, mint string, source models.PaidSource) (reconcile.MatchResult, error)
}

// Listener subscribes to logs mentioning the merchant wallet and hands each
// new signature to the engine. It reconnects until ctx ends.
type Listener struct {
	Endpoint   string
	Merchant   string
	Mint       string
	Commitment string
	Observer   SignatureObserver
	RetryDelay time.Duration
	// FetchAttempts bounds retries while a notified transaction is not yet
	// served by RPC. The n-th retry waits n*FetchBackoff.
	FetchAttempts int
	FetchBackoff  time.Duration

	log *log.Helper
}

func NewListener(endpoint, merchant, mint, commitment string, obs SignatureObserver, logger log.Logger) *Listener {
	return &Listener{
		Endpoint:      endpoint,
		Merchant:      merchant,
		Mint:          mint,
		Commitment:    commitment,
		Observer:      obs,
		RetryDelay:    3 * time.Second,
		FetchAttempts: 3,
		FetchBackoff:  time.Second,
		log:           log.NewHelper(log.With(logger, "module", "worker/ws")),
	}
}

func (l *Listener) Run(ctx context.Context) {
	if l.Endpoint == "" || l.Merchant == "" {
		l.log.Infof("ws disabled: endpoint or merchant wallet is empty")
		return
	}

	for ctx.Err() == nil {
		if err := l.session(ctx); err != nil && ctx.Err() == nil {
			l.log.Warnf("ws session ended: %v", err)
		}
		if !sleep(ctx, l.RetryDelay) {
			return
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	client := chain.NewWSClient(l.Endpoint)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	if err := client.SubscribeLogs(ctx, l.Merchant, l.Commitment); err != nil {
		return err
	}
	l.log.Infof("ws connected %s merchant=%s", l.Endpoint, l.Merchant)

	for {
		msg, err := client.Read(ctx)
		if err != nil {
			return err
		}
		sig, ok, err := chain.ParseLogsNotification(msg)
		if err != nil {
			l.log.Warnf("ws notification error: %v", err)
			continue
		}
		if !ok || sig == "" {
			continue
		}
		go l.observe(ctx, sig)
	}
}

func (l *Listener) observe(ctx context.Context, sig string) {
	for attempt := 1; attempt <= max(1, l.FetchAttempts); attempt++ {
		res, err := l.Observer.ObserveSignature(ctx, sig, l.Merchant, l.Mint, models.SourceStream)
		switch {
		case err == nil:
			if res.Matched {
				l.log.Infof("ws settled order %s tx=%s", res.OrderID, sig)
			}
			return
		case errors.Is(err, reconcile.ErrTransactionUnavailable):
			if !sleep(ctx, time.Duration(attempt)*l.FetchBackoff) {
				return
			}
		default:
			l.log.Warnf("ws observe tx=%s failed: %v", sig, err)
			return
		}
	}
	l.log.Warnf("ws tx=%s still unavailable, leaving it to polling", sig)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
