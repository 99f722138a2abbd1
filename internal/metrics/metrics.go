// Package metrics exports poller activity as Prometheus collectors.
package metrics

import (
	"github.com/fentz26/runq/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runq"

// Collector turns poller events into metrics. Subscribe Observe to a Poller.
type Collector struct {
	polls          *prometheus.CounterVec
	finished       *prometheus.CounterVec
	duration       prometheus.Histogram
	staleRecovered prometheus.Counter
	heartbeatFails prometheus.Counter
	inflight       prometheus.Gauge
}

// New registers the collectors with reg, or the default registerer when reg
// is nil. Registration errors panic, as with promauto.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Poll cycles by outcome.",
		}, []string{"outcome"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks this runner moved out of RUNNING, by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Executor wall time per task.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		staleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_recovered_total",
			Help:      "RUNNING tasks forced to ERROR by stale recovery.",
		}),
		heartbeatFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Runner heartbeat writes that failed.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_tasks",
			Help:      "Tasks currently executing on this runner (0 or 1).",
		}),
	}
	reg.MustRegister(c.polls, c.finished, c.duration, c.staleRecovered, c.heartbeatFails, c.inflight)
	return c
}

// Observe updates metrics for one event. It has the scheduler.Handler
// signature.
func (c *Collector) Observe(e scheduler.Event) {
	switch e.Type {
	case scheduler.EventNoTask:
		c.polls.WithLabelValues("no_task").Inc()
	case scheduler.EventAlreadyClaimed:
		c.polls.WithLabelValues("already_claimed").Inc()
	case scheduler.EventClaimed:
		c.polls.WithLabelValues("claimed").Inc()
		c.inflight.Set(1)
	case scheduler.EventCompleted:
		c.finish(e)
	case scheduler.EventStaleRecovered:
		c.staleRecovered.Add(float64(e.Count))
	case scheduler.EventError:
		switch e.Stage {
		case scheduler.StageHeartbeat:
			c.heartbeatFails.Inc()
		case scheduler.StageClaim:
			c.polls.WithLabelValues("error").Inc()
		case scheduler.StageExecute:
			c.finish(e)
		case scheduler.StageUpdate:
			c.inflight.Set(0)
		}
	}
}

func (c *Collector) finish(e scheduler.Event) {
	c.finished.WithLabelValues(string(e.Status)).Inc()
	c.duration.Observe(e.Duration.Seconds())
	c.inflight.Set(0)
}
