// Package cronadapter wraps robfig/cron/v3 behind the engine's injectable
// CronScheduler collaborator (spec.md §1's "cron driver" named out of
// scope for the core itself).
package cronadapter

import (
	"github.com/minisource/taskqueue/internal/engine"
	"github.com/minisource/taskqueue/internal/logging"
	"github.com/robfig/cron/v3"
)

// Adapter implements engine.CronScheduler over a *cron.Cron.
type Adapter struct {
	cron   *cron.Cron
	logger logging.Logger
}

// New builds an Adapter with second-precision parsing, matching the
// teacher's parser configuration.
func New(logger logging.Logger) *Adapter {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Adapter{cron: c, logger: logger}
}

// Schedule registers fn against spec, following the teacher's
// cron.Parser usage in scheduler.go.
func (a *Adapter) Schedule(spec string, fn func()) error {
	_, err := a.cron.AddFunc(spec, fn)
	return err
}

// Start begins running scheduled entries in their own goroutine.
func (a *Adapter) Start() { a.cron.Start() }

// Stop halts the scheduler and waits for any running entry to finish.
func (a *Adapter) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

var _ engine.CronScheduler = (*Adapter)(nil)
