package job

import (
	"sync"
	"time"
)

// EventType is the kind of progress message a job emits.
type EventType string

const (
	EventStarted    EventType = "job:started"
	EventLog        EventType = "job:log"
	EventConfigured EventType = "job:configured"
	EventFinished   EventType = "job:finished"
)

// Event is one progress message. Only the fields of its type are set.
type Event struct {
	Type   EventType      `json:"type"`
	JobID  ID             `json:"job_id"`
	At     time.Time      `json:"at"`
	Log    string         `json:"log,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	Result *int           `json:"result,omitempty"`
}

// Observer receives job events. Notify must not block for long; it runs on
// the goroutine producing output.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

type observers struct {
	mu   sync.Mutex
	list []Observer
	now  func() time.Time
}

func (o *observers) add(obs Observer) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observers) notify(e Event) {
	if e.At.IsZero() {
		if o.now != nil {
			e.At = o.now()
		} else {
			e.At = time.Now().UTC()
		}
	}
	o.mu.Lock()
	list := append([]Observer(nil), o.list...)
	o.mu.Unlock()
	for _, obs := range list {
		obs.Notify(e)
	}
}
