package call

import "sync"

// TranscriptUpdate is one transcript event as applied to the buffer.
type TranscriptUpdate struct {
	Epoch uint64
	Role  Role
	Text  string
	Final bool
}

// ToolCallReport describes a dispatched tool call.
type ToolCallReport struct {
	Epoch        uint64
	ID           string
	Name         string
	Args         map[string]any
	Status       string
	Duplicate    bool
	Acknowledged bool
	Err          error
}

// EventSink receives call notifications. Methods are called one at a time
// from a single goroutine, in the order the events happened, and never while
// the machine holds a lock, so they may call back into the Machine.
type EventSink interface {
	OnStateChange(Snapshot)
	OnTranscript(TranscriptUpdate)
	OnSpeakersDetected(speakers []string)
	OnToolCall(ToolCallReport)
	OnSpeaking(Speaking)
	OnDurationTick(seconds int)
	OnSentiment(Sentiment)
	OnTurnComplete()
	OnInterrupted()
	OnWarning(code, message string)
	OnError(err error)
	OnCallRecord(CallRecord)
}

// NopSink ignores every event. Embed it to implement a subset.
type NopSink struct{}

func (NopSink) OnStateChange(Snapshot)        {}
func (NopSink) OnTranscript(TranscriptUpdate) {}
func (NopSink) OnSpeakersDetected([]string)   {}
func (NopSink) OnToolCall(ToolCallReport)     {}
func (NopSink) OnSpeaking(Speaking)           {}
func (NopSink) OnDurationTick(int)            {}
func (NopSink) OnSentiment(Sentiment)         {}
func (NopSink) OnTurnComplete()               {}
func (NopSink) OnInterrupted()                {}
func (NopSink) OnWarning(string, string)      {}
func (NopSink) OnError(error)                 {}
func (NopSink) OnCallRecord(CallRecord)       {}

// notifier runs queued sink calls in order on its own goroutine.
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) post(f func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, f)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		q := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()
		for _, f := range q {
			f()
		}
		if len(q) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

// close delivers what is queued and stops.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
