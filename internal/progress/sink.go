package progress

import "context"

// Emitter accepts single crawl events. Hub implements it, so the
// coordinator and fetch workers never see batching or sink plumbing.
type Emitter interface {
	Emit(evt Event)
}

// Sink receives event batches from the hub. Consume runs on the hub
// goroutine under a per-batch timeout, so implementations must respect
// ctx. A Sink may receive Consume calls after an earlier one failed;
// Close flushes and releases resources.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
