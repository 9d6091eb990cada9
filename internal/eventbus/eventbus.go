// Package eventbus is a typed, best-effort broadcast channel for scan
// lifecycle events. It is grounded on the single-client websocket Hub this
// module's teacher codebase used (register/unregister/broadcast channels
// driving one select loop), generalized from "at most one client" to
// "any number of independent subscribers" per spec.md §4.5.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

// Kind is one of the exhaustive event kinds from spec.md §4.5. Values
// never leave this package without a matching payload type, forming a
// closed sum type in place of the teacher's untyped string-keyed pub/sub
// (see SPEC_FULL.md §4.5, "dynamic event dispatch").
type Kind string

const (
	KindScanStarted          Kind = "scan:started"
	KindScanPaused           Kind = "scan:paused"
	KindScanResumed          Kind = "scan:resumed"
	KindScanStopped          Kind = "scan:stopped"
	KindScanCompleted        Kind = "scan:completed"
	KindScanError            Kind = "scan:error"
	KindPhaseStarted         Kind = "phase:started"
	KindPhaseCompleted       Kind = "phase:completed"
	KindSubphaseStarted      Kind = "subphase:started"
	KindSubphaseCompleted    Kind = "subphase:completed"
	KindLogAdded             Kind = "log:added"
	KindEndpointDiscovered   Kind = "endpoint:discovered"
	KindParameterDiscovered  Kind = "parameter:discovered"
	KindVulnerabilityFound   Kind = "vulnerability:found"
	KindQuestionAsked        Kind = "question:asked"
	KindQuestionResult       Kind = "question:result"
)

// Event is one typed occurrence on the bus. Payload holds the concrete
// *Payload struct matching Kind; callers type-switch on Kind and assert
// the payload type they expect.
type Event struct {
	Kind    Kind
	ScanID  model.ScanID
	At      time.Time
	Payload any
}

// Payload types, one per Kind that carries data.

type ScanStartedPayload struct{ Config model.ScanConfig }
type ScanPausedPayload struct{}
type ScanResumedPayload struct{}
type ScanStoppedPayload struct{}
type ScanCompletedPayload struct {
	Score              model.Grade
	Final              int
	QuizPointsEarned   float64
	QuizPointsPossible float64
	VulnerabilityCount int
}
type ScanErrorPayload struct{ Err error }
type PhasePayload struct{ Phase model.PhaseRecord }
type SubphasePayload struct {
	Phase    model.PhaseID
	Subphase model.SubphaseID
	Status   model.PhaseStatus
}
type LogPayload struct {
	Level   string
	Message string
}
type EndpointDiscoveredPayload struct{ Endpoint model.Endpoint }
type ParameterDiscoveredPayload struct{ Parameter model.Parameter }
type VulnerabilityFoundPayload struct{ Vulnerability model.Vulnerability }
type QuestionAskedPayload struct{ Spec model.QuestionSpec }
type QuestionResultPayload struct{ Result model.QuestionResult }

// subscriberBufferSize bounds each subscriber's channel; a slow
// subscriber drops events past this rather than blocking the publisher.
const subscriberBufferSize = 64

type subscriber struct {
	id uint64
	ch chan Event
}

// Bus fans Publish calls out to every current Subscribe-r. Delivery is
// best-effort and unordered across subscribers, ordered per subscriber
// (spec.md §4.5).
type Bus struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// New creates an empty Bus. A nil logger is replaced with a no-op logger.
func New(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{log: log, subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The returned channel is closed once
// Unsubscribe runs; callers must not send on it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan Event, subscriberBufferSize)}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish fans ev out to every current subscriber. A subscriber whose
// channel is full has the event dropped and logged, never blocking the
// publisher — subscribers must never be able to stall a scan.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warnw("eventbus: dropping event for slow subscriber",
				"kind", ev.Kind, "scan_id", ev.ScanID, "subscriber_id", sub.id)
		}
	}
}
