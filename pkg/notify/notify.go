package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/types"
)

// Notifier delivers a finished scan report somewhere.
type Notifier interface {
	Notify(ctx context.Context, report *types.ScanReport) error
}

// Multi fans a report out to every notifier and joins their failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, report *types.ScanReport) error {
	var errs *multierror.Error
	for _, n := range m {
		if err := n.Notify(ctx, report); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// LogNotifier writes a one-line summary to the logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, report *types.ScanReport) error {
	counts := report.Counts()
	log.WithFields(log.Fields{
		"scan":     report.ScanID,
		"risk":     report.RiskScore,
		"category": report.RiskCategory,
		"degraded": report.Degraded,
	}).Infof("scan %s: %d fixed, %d not fixed, %d unconfirmed",
		report.PackageVersionPair, counts[types.Fixed], counts[types.NotFixed], counts[types.Unconfirmed])
	return nil
}

// Summary renders the headline used by chat notifiers.
func Summary(report *types.ScanReport) string {
	counts := report.Counts()
	s := fmt.Sprintf("%s %s %s -> %s: risk %.1f (%s), %d fixed / %d not fixed / %d unconfirmed",
		report.Ecosystem, report.Package, report.OldVersion, report.NewVersion,
		report.RiskScore, report.RiskCategory,
		counts[types.Fixed], counts[types.NotFixed], counts[types.Unconfirmed])
	if report.Degraded {
		s += " [degraded]"
	}
	return s
}

// DefaultDispatchTimeout bounds one background delivery.
const DefaultDispatchTimeout = 30 * time.Second

// Dispatcher delivers reports in the background so scans never wait on
// notification channels.
type Dispatcher struct {
	Notifier Notifier
	Timeout  time.Duration

	wg sync.WaitGroup
}

// NewDispatcher returns a dispatcher for n. A nil n dispatches nothing.
func NewDispatcher(n Notifier) *Dispatcher {
	return &Dispatcher{Notifier: n, Timeout: DefaultDispatchTimeout}
}

// Dispatch sends report asynchronously. Failures are logged.
func (d *Dispatcher) Dispatch(report *types.ScanReport) {
	if d == nil || d.Notifier == nil || report == nil {
		return
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.Notifier.Notify(ctx, report); err != nil {
			log.WithField("scan", report.ScanID).Warnf("notification failed: %v", err)
		}
	}()
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
