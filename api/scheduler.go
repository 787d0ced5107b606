/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Walks every product on a fixed interval, runs Coordinator.Verify and
  reports what it finds. It never repairs anything; a product with
  violations is fixed through POST /api/products/{id}/ledger/rebuild.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Products are read page by page, so a sweep never holds the whole
    catalog in memory
  - Violations go to the log (Warn) and to the ledger_audit_violations
    gauge, labelled by product

CONFIGURATION:
  - Interval: AUDIT_INTERVAL; zero disables the scheduler

USAGE:
  scheduler := NewAuditScheduler(coordinator, interval, logger, metrics)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: VerifyLedger endpoint (manual audit)
  - ledger/audit.go: the checks
*/
package api

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/ledger"
	"github.com/warp/inventory-ledger/observability"
)

// AuditScheduler verifies every product ledger on a ticker.
type AuditScheduler struct {
	Ledger   *ledger.Coordinator
	Interval time.Duration

	log     *zap.Logger
	metrics *observability.Metrics

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// AuditSummary is the outcome of one sweep.
type AuditSummary struct {
	Products  int
	Unhealthy int
	Failed    int
}

// NewAuditScheduler creates a new scheduler. metrics may be nil.
func NewAuditScheduler(c *ledger.Coordinator, interval time.Duration, log *zap.Logger, metrics *observability.Metrics) *AuditScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditScheduler{
		Ledger:   c,
		Interval: interval,
		log:      log.Named("audit"),
		metrics:  metrics,
		stop:     make(chan struct{}),
	}
}

// Start begins the scheduler. It does nothing when Interval is zero.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.log.Info("audit scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info("audit scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("audit scheduler stopped")
	}
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow verifies every product once.
func (s *AuditScheduler) RunNow(ctx context.Context) AuditSummary {
	var sum AuditSummary
	page := ledger.Page{Number: 1, PerPage: ledger.MaxPerPage}

	for {
		products, total, err := s.Ledger.ListProducts(ctx, page)
		if err != nil {
			s.log.Error("failed to list products", zap.Error(err))
			sum.Failed++
			break
		}
		for _, p := range products {
			sum.Products++
			report, err := s.Ledger.Verify(ctx, p.ID)
			if err != nil {
				if ctx.Err() != nil {
					return sum
				}
				s.log.Error("verify failed", zap.Int64("product_id", int64(p.ID)), zap.Error(err))
				sum.Failed++
				continue
			}
			s.record(report)
			if !report.Healthy() {
				sum.Unhealthy++
			}
		}
		if page.Number*page.PerPage >= total || len(products) == 0 {
			break
		}
		page.Number++
	}

	if s.metrics != nil {
		s.metrics.AuditRuns.Inc()
	}
	s.log.Info("audit completed",
		zap.Int("products", sum.Products),
		zap.Int("unhealthy", sum.Unhealthy),
		zap.Int("failed", sum.Failed))
	return sum
}

func (s *AuditScheduler) record(report ledger.AuditReport) {
	if s.metrics != nil {
		s.metrics.AuditViolations.
			WithLabelValues(strconv.FormatInt(int64(report.ProductID), 10)).
			Set(float64(len(report.Violations)))
	}
	for _, v := range report.Violations {
		s.log.Warn("ledger violation",
			zap.Int64("product_id", int64(report.ProductID)),
			zap.String("check", v.Check),
			zap.Int64("transaction_id", int64(v.TransactionID)),
			zap.String("message", v.Message))
	}
}
