package pipeline

import (
	"sync"

	"platesolve/internal/solver"
)

// EventKind names an orchestrator notification.
type EventKind string

const (
	EventDeviceConnected    EventKind = "deviceConnected"
	EventServerConnected    EventKind = "serverConnected"
	EventServerDisconnected EventKind = "serverDisconnected"
	EventDeviceDisconnected EventKind = "deviceDisconnected"
	EventConnectionFailed   EventKind = "connectionFailed"
	// EventMessage carries the status text: "solving" while a job is
	// dispatched, empty when idle again.
	EventMessage EventKind = "message"
	EventResult  EventKind = "result"
)

// Event is broadcast to every subscriber.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Name    string         `json:"name,omitempty"`
	Message string         `json:"message"`
	JobID   string         `json:"jobId,omitempty"`
	Result  *solver.Result `json:"result,omitempty"`
}

// maxPending bounds the status events held for a subscriber that is not
// reading. Result events are never dropped.
const maxPending = 256

// subscriber delivers events in order through out. push never blocks; a
// pump goroutine moves pending events into out.
type subscriber struct {
	out  chan Event
	wake chan struct{}
	quit chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event, 16),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) bool {
	s.mu.Lock()
	if ev.Kind != EventResult && len(s.pending) >= maxPending {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.quit:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// close stops the pump, which then closes out.
func (s *subscriber) close() {
	s.once.Do(func() { close(s.quit) })
}

// Subscribe returns a channel for receiving events and an unsubscribe
// function. Events are delivered in order; status events may be dropped for
// a subscriber that stops reading, result events are not.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	sub := newSubscriber()
	p.subs[id] = sub
	unsub := func() {
		p.subMu.Lock()
		if s, ok := p.subs[id]; ok {
			s.close()
			delete(p.subs, id)
		}
		p.subMu.Unlock()
	}
	return sub.out, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, sub := range p.subs {
		if !sub.push(ev) {
			p.log.Warn("subscriber lagging, event dropped", "subscriber", id, "kind", ev.Kind, "job", ev.JobID)
		}
	}
}
