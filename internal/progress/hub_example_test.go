package progress

import (
	"context"
	"fmt"
	"time"
)

type tallySink struct {
	events int
	bytes  int64
}

func (s *tallySink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.events++
		s.bytes += evt.Bytes
	}
	return nil
}

func (s *tallySink) Close(context.Context) error { return nil }

// ExampleHub_Emit shows the emit-then-close lifecycle: Close flushes whatever
// is still buffered before returning.
func ExampleHub_Emit() {
	sink := &tallySink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{
		CrawlID: "0190a6e2-0000-7000-8000-000000000001",
		TS:      time.Unix(0, 0),
		Stage:   StageCrawlStart,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.events)
	// Output:
	// events forwarded: 1
}

// ExampleSink aggregates fetch volume from the event stream.
func ExampleSink() {
	sink := &tallySink{}
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{
		CrawlID:     "0190a6e2-0000-7000-8000-000000000002",
		ShardID:     "0190a6e2-0000-7000-8000-000000000003",
		TS:          time.Unix(0, 0),
		Stage:       StageFetchDone,
		URL:         "https://feeds.example.com/cap/1.xml",
		StatusClass: Status2xx,
		Bytes:       512,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("bytes downloaded: %d\n", sink.bytes)
	// Output:
	// bytes downloaded: 512
}
