package tracing

import "context"

// A Transaction wraps one traced unit of work, e.g. a sweeper pass or a
// migration saga run
type Transaction interface {
	Context() context.Context
	End()
}

// A Tracer starts background transactions for work that has no inbound
// request to attach to
type Tracer interface {
	BackgroundTx(name string) Transaction
}
