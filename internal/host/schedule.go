package host

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"unitgauge/internal/metrics"
	logx "unitgauge/pkg/logx"
)

// intervalSchedule fires every fixed interval, measured from the previous
// activation. Unlike cron.Every it keeps sub-second precision.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// skipIfRunning is cron.SkipIfStillRunning with the skip counted per read.
func skipIfRunning(name string, rec metrics.Recorder, log logx.Logger) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		return cron.FuncJob(func() {
			select {
			case v := <-ch:
				defer func() { ch <- v }()
				j.Run()
			default:
				rec.IncReadSkipped(name)
				log.Warn("read still running, tick skipped", logx.String("name", name))
			}
		})
	}
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, logx.Any("extra", kv[len(kv)-1]))
	}
	return out
}
