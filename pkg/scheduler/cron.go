package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// newScheduleParser accepts both the 5-field form (minute hour dom month
// dow) and the 6-field form with a leading seconds field, plus descriptors
// like @hourly and @every. Weekday 0 is Sunday; evaluation is in UTC.
func newScheduleParser() cron.Parser {
	return cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
}

// cronLogger adapts slog to the cron.Logger interface. Engine chatter goes
// to debug, except the SkipIfStillRunning notice, which marks a coalesced
// fire and is worth a warning.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.logger.Warn("Previous run still in flight, cron fire skipped", keysAndValues...)
		return
	}
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
