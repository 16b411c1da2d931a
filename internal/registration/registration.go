// Package registration carries the ambient binding (queue name and task
// id) that engine.Queue attaches to the context of a running job function
// or cron tick, so code deep inside a step body can read it with From
// without every step function threading those values through its own
// signature.
package registration

import "context"

type contextKey struct{}

var activeKey = contextKey{}

// Active is the ambient binding available to a running step body.
type Active struct {
	Queue  string
	TaskID int64
}

// With returns a context carrying the given binding.
func With(ctx context.Context, active Active) context.Context {
	return context.WithValue(ctx, activeKey, active)
}

// From returns the active binding, if any. The second return value is
// false outside of a running step body (for example, in a unit test
// calling a step function directly).
func From(ctx context.Context) (Active, bool) {
	active, ok := ctx.Value(activeKey).(Active)
	return active, ok
}
