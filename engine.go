package trustcore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/unifiedcare/trustcore/impersonation"
	"github.com/unifiedcare/trustcore/mfa"
	"github.com/unifiedcare/trustcore/secrets"
	"github.com/unifiedcare/trustcore/session"
	"github.com/unifiedcare/trustcore/token"
)

// Engine defines a public type used by trustcore APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config Config

	sessions *session.Store
	mfaStore *mfa.Store
	impStore *impersonation.Store

	cipher *secrets.Cipher
	tokens *token.Manager
	totp   *totpManager

	principals PrincipalStore
	verifier   PasswordVerifier
	notifier   Notifier

	codeLimiter *codeLimiter
	impLimiter  *impersonationLimiter
	challenges  *challengeStore

	audit   *auditDispatcher
	metrics *Metrics

	// now is the engine clock. Overridable in tests.
	now func() time.Time

	sweepDone chan struct{}
	sweepWG   sync.WaitGroup
	closeOnce sync.Once
}

// Close describes the close operation and its observable behavior.
//
// Close stops the background sweeper and drains the audit queue. It is safe
// to call more than once.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.sweepDone != nil {
			close(e.sweepDone)
			e.sweepWG.Wait()
		}
		e.audit.Close()
	})
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricObserve(id MetricID, d time.Duration) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(id, d)
}

// notify delivers a user notification best effort. Failures never propagate
// to the calling operation.
func (e *Engine) notify(ctx context.Context, userID string, n Notification) {
	if e == nil || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, userID, n); err != nil {
		log.Print("trustcore: ", fmt.Errorf("%w: %v", ErrNotifyFailed, err))
	}
}

func (e *Engine) startSweeper(interval time.Duration) {
	e.sweepDone = make(chan struct{})
	e.sweepWG.Add(1)

	go func() {
		defer e.sweepWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := e.SweepExpiredSessions(context.Background()); err != nil {
					log.Print("trustcore: session sweep failed: ", err)
				}
			case <-e.sweepDone:
				return
			}
		}
	}()
}
