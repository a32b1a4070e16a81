package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/progress"
)

// LogSink writes one structured log line per progress event. Empty fields are
// omitted so crawl-level events don't carry blank url/shard labels.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps the given logger; nil falls back to a nop logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := make([]zap.Field, 0, 9)
		fields = append(fields,
			zap.String("crawl_id", evt.CrawlID),
			zap.String("stage", string(evt.Stage)),
		)
		if evt.ShardID != "" {
			fields = append(fields, zap.String("shard_id", evt.ShardID))
		}
		if evt.FeedURL != "" {
			fields = append(fields, zap.String("feed_url", evt.FeedURL))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink; the sink holds no resources.
func (s *LogSink) Close(context.Context) error {
	return nil
}
