package ignition

import (
	"sync"
	"time"
)

// EventType discriminates progress events.
type EventType string

const (
	EventStart    EventType = "start"
	EventStep     EventType = "step"
	EventAction   EventType = "action"
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one transient progress message emitted during a run. Events are
// never persisted; the execution log is the durable record.
type Event struct {
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	RunID      string      `json:"run_id,omitempty"`
	StepNumber int         `json:"step_number,omitempty"`
	TotalSteps int         `json:"total_steps,omitempty"`
	StepID     string      `json:"step_id,omitempty"`
	StepName   string      `json:"step_name,omitempty"`
	ActionID   string      `json:"action_id,omitempty"`
	ActionType string      `json:"action_type,omitempty"`
	Status     string      `json:"status,omitempty"`
	Level      string      `json:"level,omitempty"`
	Message    string      `json:"message,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}

// Emitter fans one run's events out to its listeners. An Emitter belongs to a
// single Execute call; listeners are invoked synchronously, in emit order,
// from the run's goroutine.
type Emitter struct {
	mu        sync.Mutex
	seq       int
	listeners map[int]func(Event)
}

// NewEmitter creates an emitter with no listeners.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[int]func(Event))}
}

// Subscribe registers fn for every subsequent event and returns an
// unsubscribe function. Consumers must call it when they detach; calling it
// more than once is safe.
func (e *Emitter) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.seq
	e.seq++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers ev to every listener, synchronously.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
