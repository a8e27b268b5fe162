package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/browsercrawler/internal/progress"
)

// LogSink writes events to a zap logger. Page starts, successful pages and
// heartbeats log at debug, page errors at warn, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

var stageMessages = map[progress.Stage]string{
	progress.StageWorkerHB:       "worker heartbeat",
	progress.StageSiteClaimed:    "site claimed",
	progress.StageSiteDisclaimed: "site disclaimed",
	progress.StageSiteFinished:   "site finished",
	progress.StagePageStart:      "page started",
	progress.StagePageDone:       "page brozzled",
	progress.StagePageError:      "page failed",
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StagePageError:
		return zapcore.WarnLevel
	case progress.StagePageStart, progress.StagePageDone, progress.StageWorkerHB:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// Consume logs each event with only the fields it carries.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		ce := s.logger.Check(levelFor(evt.Stage), stageMessages[evt.Stage])
		if ce == nil {
			continue
		}
		ce.Write(eventFields(evt)...)
	}
	return nil
}

func eventFields(evt progress.Event) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	str := func(key, val string) {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	str("stage", string(evt.Stage))
	str("worker_id", evt.WorkerID)
	str("job_id", evt.JobID)
	str("site_id", evt.SiteID)
	str("url", evt.URL)
	str("site_status", evt.SiteStatus)
	str("status_class", string(evt.StatusClass))
	str("note", evt.Note)
	if evt.Stage == progress.StagePageDone {
		fields = append(fields, zap.Int("outlinks", evt.Outlinks))
	}
	if evt.Dur > 0 {
		fields = append(fields, zap.Duration("dur", evt.Dur))
	}
	return fields
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
