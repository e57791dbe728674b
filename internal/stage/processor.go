package stage

import "context"

// Processor is the behaviour of one stage. Init runs once before the first
// Process call. Process handles one unit of work: typically one received
// message, or one produced message for inputs.
type Processor interface {
	Init(ctx context.Context, pctx *Context) error
	Process(ctx context.Context, pctx *Context) error
}

// Closer is implemented by processors holding resources released while the
// stage drains.
type Closer interface {
	Close(ctx context.Context) error
}
