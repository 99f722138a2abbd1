package scheduler

import (
	"time"

	"github.com/fentz26/runq/internal/models"
)

// EventType names something observable the poller did.
type EventType string

const (
	EventStarted        EventType = "started"
	EventStopped        EventType = "stopped"
	EventPoll           EventType = "poll"
	EventClaimed        EventType = "claimed"
	EventCompleted      EventType = "completed"
	EventError          EventType = "error"
	EventNoTask         EventType = "no-task"
	EventAlreadyClaimed EventType = "already-claimed"
	EventStaleRecovered EventType = "stale-recovered"
)

// Stage values carried by EventError.
const (
	StageHeartbeat = "heartbeat"
	StageClaim     = "claim"
	StageExecute   = "execute"
	StageUpdate    = "update"
	StageRecover   = "recover"
	StageStop      = "stop"
)

// Event is delivered synchronously to subscribers, in emission order.
type Event struct {
	Type     EventType         `json:"type"`
	RunnerID string            `json:"runner_id"`
	Time     time.Time         `json:"time"`
	TaskID   string            `json:"task_id,omitempty"`
	Status   models.TaskStatus `json:"status,omitempty"`
	Stage    string            `json:"stage,omitempty"`
	Message  string            `json:"message,omitempty"`
	Count    int               `json:"count,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`
}

// Handler receives poller events. Handlers must not call back into the
// Poller that is delivering the event.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Subscribe adds h after the existing subscribers and returns a function
// that removes it.
func (p *Poller) Subscribe(h Handler) (unsubscribe func()) {
	p.subsMu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs = append(p.subs, subscription{id: id, fn: h})
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

func (p *Poller) emit(e Event) {
	e.RunnerID = p.cfg.RunnerID
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.subsMu.Lock()
	subs := append([]subscription(nil), p.subs...)
	p.subsMu.Unlock()

	for _, s := range subs {
		p.deliver(s, e)
	}
}

func (p *Poller) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("event subscriber panicked", "event", e.Type, "panic", r)
		}
	}()
	s.fn(e)
}
