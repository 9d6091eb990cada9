// Package orchestrator owns one scan's lifecycle: it walks the fixed
// phase sequence (init, discovery, sqli, xss, report), aggregates
// discovered endpoints/parameters/vulnerabilities and question results,
// and fans lifecycle/discovery/finding events to the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BetterCallFirewall/scanorchestrator/internal/eventbus"
	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
	"github.com/BetterCallFirewall/scanorchestrator/internal/procsup"
	"github.com/BetterCallFirewall/scanorchestrator/internal/questiongate"
	"github.com/BetterCallFirewall/scanorchestrator/internal/score"
)

// registryDrainPoll/registryDrainTimeout govern the report phase's wait
// for in-flight child processes to exit, per spec.md §5.
const (
	registryDrainPoll    = 1 * time.Second
	registryDrainTimeout = 60 * time.Second
)

// logRingSize bounds the retained log history, grounded on the teacher's
// internal/limits.ContextLimiter (a fixed-size retention cap), adapted
// here from "context item cap" to "log entry cap" (see DESIGN.md).
const logRingSize = 50

// ToolSupervisor is the subset of *procsup.Supervisor the orchestrator
// needs, so tests can substitute a fake that replays canned output
// instead of spawning real processes.
type ToolSupervisor interface {
	Spawn(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport
	Registry() *procsup.Registry
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Supervisor ToolSupervisor
	Bus        *eventbus.Bus
	Log        *zap.SugaredLogger
}

// phaseEntry binds a PhaseID to its runner function.
type phaseEntry struct {
	id  model.PhaseID
	run func(ctx context.Context, o *Orchestrator) error
}

// Status is a consistent point-in-time snapshot of a scan.
type Status struct {
	ScanID          model.ScanID
	Status          model.ScanStatus
	Phases          []model.PhaseRecord
	Stats           model.Stats
	Endpoints       []model.Endpoint
	Vulnerabilities []model.Vulnerability
	QuestionResults []model.QuestionResult
	RecentLogs      []string
	Score           *score.Result
}

// Orchestrator drives one scan. It is not safe to reuse across scans.
type Orchestrator struct {
	cfg  model.ScanConfig
	id   model.ScanID
	deps Deps
	log  *zap.SugaredLogger

	pause *questiongate.PauseGate
	gate  *questiongate.Gate

	started atomic.Bool
	cancel  context.CancelFunc

	mu              sync.RWMutex
	status          model.ScanStatus
	phases          []model.PhaseRecord
	stats           model.Stats
	endpointOrder   []model.EndpointKey
	endpoints       map[model.EndpointKey]model.Endpoint
	vulnOrder       []model.VulnerabilityKey
	vulns           map[model.VulnerabilityKey]model.Vulnerability
	questionResults []model.QuestionResult
	logs            []string
	score           *score.Result
}

var phaseOrder = []phaseEntry{
	{model.PhaseInit, runInit},
	{model.PhaseDiscovery, runDiscovery},
	{model.PhaseSQLi, runSQLi},
	{model.PhaseXSS, runXSS},
	{model.PhaseReport, runReport},
}

// New validates cfg and constructs an Orchestrator ready for Start.
func New(cfg model.ScanConfig, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Supervisor == nil {
		panic("orchestrator: Deps.Supervisor is nil")
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.New(log)
	}
	deps.Bus = bus
	deps.Log = log

	id := model.NewScanID()
	o := &Orchestrator{
		cfg:       cfg,
		id:        id,
		deps:      deps,
		log:       log.With("scan_id", id),
		pause:     questiongate.NewPauseGate(),
		gate:      questiongate.NewGate(),
		status:    model.StatusPending,
		endpoints: make(map[model.EndpointKey]model.Endpoint),
		vulns:     make(map[model.VulnerabilityKey]model.Vulnerability),
	}
	for _, pe := range phaseOrder {
		o.phases = append(o.phases, model.PhaseRecord{ID: pe.id, Name: string(pe.id), Status: model.PhasePending})
	}
	return o, nil
}

// ID returns the scan identifier assigned at construction.
func (o *Orchestrator) ID() model.ScanID { return o.id }

// Start runs the phase sequence on a dedicated goroutine and returns
// immediately. A second call on the same instance returns
// model.ErrAlreadyStarted without side effects.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return model.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.mu.Lock()
	o.status = model.StatusInProgress
	o.mu.Unlock()

	o.publish(eventbus.KindScanStarted, eventbus.ScanStartedPayload{Config: o.cfg})
	o.recordLog("info", fmt.Sprintf("scan %s started against %s", o.id, o.cfg.TargetURL))

	go o.runPhases(runCtx)
	return nil
}

func (o *Orchestrator) runPhases(ctx context.Context) {
	for i, pe := range phaseOrder {
		if err := o.pause.AwaitNotPaused(ctx); err != nil {
			o.finishStopped()
			return
		}

		o.setPhaseStatus(pe.id, model.PhaseRunning)
		o.publish(eventbus.KindPhaseStarted, eventbus.PhasePayload{Phase: o.phaseRecord(pe.id)})

		err := pe.run(ctx, o)

		if err != nil {
			if isCancelled(err) {
				o.finishStopped()
				return
			}
			o.setPhaseStatus(pe.id, model.PhaseError)
			o.finishErrored(err)
			return
		}

		o.setPhaseStatus(pe.id, model.PhaseCompleted)
		o.publish(eventbus.KindPhaseCompleted, eventbus.PhasePayload{Phase: o.phaseRecord(pe.id)})

		if i == len(phaseOrder)-1 {
			o.finishCompleted()
		}
	}
}

func isCancelled(err error) bool {
	return err != nil && (err == context.Canceled || err == model.ErrCancelled || isWrapped(err, model.ErrCancelled))
}

func isWrapped(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Pause requests the running scan suspend at its next safe point.
func (o *Orchestrator) Pause() error {
	if err := o.requireNotFinished(); err != nil {
		return err
	}
	o.pause.Pause()
	o.publish(eventbus.KindScanPaused, eventbus.ScanPausedPayload{})
	return nil
}

// Resume releases a paused scan.
func (o *Orchestrator) Resume() error {
	if err := o.requireNotFinished(); err != nil {
		return err
	}
	o.pause.Resume()
	o.publish(eventbus.KindScanResumed, eventbus.ScanResumedPayload{})
	return nil
}

// Stop cancels the scan: every suspension primitive wakes with
// model.ErrCancelled, in-flight child processes are torn down, and the
// scan transitions to stopped. Repeated calls before the scan has
// finished are harmless; once it has finished, Stop returns
// model.ErrScanFinished.
func (o *Orchestrator) Stop() error {
	if err := o.requireNotFinished(); err != nil {
		return err
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.pause.Stop()
	o.gate.Stop()
	o.deps.Supervisor.Registry().TerminateAll(5 * time.Second)
	return nil
}

// AnswerQuestion delivers ans to the currently pending question, if any.
func (o *Orchestrator) AnswerQuestion(ans model.AnswerMsg) error {
	if err := o.requireNotFinished(); err != nil {
		return err
	}
	if !o.gate.Answer(ans) {
		return fmt.Errorf("orchestrator: no question is currently pending")
	}
	return nil
}

func (o *Orchestrator) requireNotFinished() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.status.Terminal() {
		return model.ErrScanFinished
	}
	return nil
}

// GetStatus returns a consistent snapshot built under a single read lock.
func (o *Orchestrator) GetStatus() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	phases := make([]model.PhaseRecord, len(o.phases))
	copy(phases, o.phases)

	endpoints := make([]model.Endpoint, 0, len(o.endpointOrder))
	for _, k := range o.endpointOrder {
		endpoints = append(endpoints, o.endpoints[k])
	}
	vulns := make([]model.Vulnerability, 0, len(o.vulnOrder))
	for _, k := range o.vulnOrder {
		vulns = append(vulns, o.vulns[k])
	}
	results := make([]model.QuestionResult, len(o.questionResults))
	copy(results, o.questionResults)
	logs := make([]string, len(o.logs))
	copy(logs, o.logs)

	return Status{
		ScanID:          o.id,
		Status:          o.status,
		Phases:          phases,
		Stats:           o.stats,
		Endpoints:       endpoints,
		Vulnerabilities: vulns,
		QuestionResults: results,
		RecentLogs:      logs,
		Score:           o.score,
	}
}

func (o *Orchestrator) publish(kind eventbus.Kind, payload any) {
	o.deps.Bus.Publish(eventbus.Event{Kind: kind, ScanID: o.id, At: time.Now(), Payload: payload})
}

func (o *Orchestrator) recordLog(level, msg string) {
	o.mu.Lock()
	o.logs = append(o.logs, msg)
	if len(o.logs) > logRingSize {
		o.logs = o.logs[len(o.logs)-logRingSize:]
	}
	o.mu.Unlock()
	o.publish(eventbus.KindLogAdded, eventbus.LogPayload{Level: level, Message: msg})
	switch level {
	case "warn":
		o.log.Warnw(msg)
	case "error":
		o.log.Errorw(msg)
	default:
		o.log.Infow(msg)
	}
}

func (o *Orchestrator) setPhaseStatus(id model.PhaseID, status model.PhaseStatus) {
	o.mu.Lock()
	for i := range o.phases {
		if o.phases[i].ID == id {
			o.phases[i].Status = status
		}
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setSubphaseStatus(phase model.PhaseID, sub model.SubphaseID, status model.PhaseStatus) {
	o.mu.Lock()
	for i := range o.phases {
		if o.phases[i].ID != phase {
			continue
		}
		for j := range o.phases[i].Subphases {
			if o.phases[i].Subphases[j].ID == sub {
				o.phases[i].Subphases[j].Status = status
				o.mu.Unlock()
				return
			}
		}
		o.phases[i].Subphases = append(o.phases[i].Subphases, model.SubphaseRecord{ID: sub, Status: status})
		break
	}
	o.mu.Unlock()
}

func (o *Orchestrator) phaseRecord(id model.PhaseID) model.PhaseRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, p := range o.phases {
		if p.ID == id {
			return p
		}
	}
	return model.PhaseRecord{ID: id}
}

// addEndpoint merges ep into the aggregate endpoint set, emitting
// endpoint:discovered / parameter:discovered for anything new.
func (o *Orchestrator) addEndpoint(ep model.Endpoint) model.Endpoint {
	key := ep.Key()

	o.mu.Lock()
	existing, ok := o.endpoints[key]
	if !ok {
		o.endpoints[key] = ep
		o.endpointOrder = append(o.endpointOrder, key)
		o.stats.EndpointsDiscovered++
		o.stats.ParametersFound += len(ep.Parameters)
		o.mu.Unlock()

		o.publish(eventbus.KindEndpointDiscovered, eventbus.EndpointDiscoveredPayload{Endpoint: ep})
		for _, name := range ep.Parameters {
			o.publishParam(key, name, ep.Method)
		}
		return ep
	}

	before := len(existing.Parameters)
	existing.MergeParameters(ep.Parameters)
	existing.SetPostData(ep.PostData)
	added := existing.Parameters[before:]
	o.stats.ParametersFound += len(added)
	o.endpoints[key] = existing
	o.mu.Unlock()

	for _, name := range added {
		o.publishParam(key, name, existing.Method)
	}
	return existing
}

func (o *Orchestrator) publishParam(key model.EndpointKey, name string, method model.Method) {
	ptype := model.ParamQuery
	if method == model.MethodPOST {
		ptype = model.ParamBody
	}
	o.publish(eventbus.KindParameterDiscovered, eventbus.ParameterDiscoveredPayload{
		Parameter: model.Parameter{Endpoint: key, Name: name, Type: ptype, Testable: name != "*"},
	})
}

// addVulnerability records v if it is not a duplicate of (type, endpoint,
// parameter) already seen, emitting vulnerability:found for new ones.
func (o *Orchestrator) addVulnerability(v model.Vulnerability) {
	key := v.Key()

	o.mu.Lock()
	if _, dup := o.vulns[key]; dup {
		o.mu.Unlock()
		return
	}
	o.vulns[key] = v
	o.vulnOrder = append(o.vulnOrder, key)
	o.stats.VulnerabilitiesFound++
	o.mu.Unlock()

	o.publish(eventbus.KindVulnerabilityFound, eventbus.VulnerabilityFoundPayload{Vulnerability: v})
}

// ask presents spec to the question gate, recording the result into the
// aggregate question-result list and emitting the asked/result events.
func (o *Orchestrator) ask(ctx context.Context, spec model.QuestionSpec) error {
	o.publish(eventbus.KindQuestionAsked, eventbus.QuestionAskedPayload{Spec: spec})

	result, err := o.gate.Ask(ctx, spec)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.questionResults = append(o.questionResults, result)
	o.mu.Unlock()

	o.publish(eventbus.KindQuestionResult, eventbus.QuestionResultPayload{Result: result})
	return nil
}

func (o *Orchestrator) finishCompleted() {
	o.mu.Lock()
	o.status = model.StatusFinalized
	result := o.score
	o.mu.Unlock()

	payload := eventbus.ScanCompletedPayload{}
	if result != nil {
		payload.Score = result.Grade
		payload.Final = result.FinalScore
		payload.QuizPointsEarned = result.QuizPointsEarned
		payload.QuizPointsPossible = result.QuizPointsPossible
		payload.VulnerabilityCount = result.VulnerabilityCount
	}
	o.publish(eventbus.KindScanCompleted, payload)
}

func (o *Orchestrator) finishStopped() {
	o.mu.Lock()
	o.status = model.StatusStopped
	o.mu.Unlock()
	o.publish(eventbus.KindScanStopped, eventbus.ScanStoppedPayload{})
}

func (o *Orchestrator) finishErrored(cause error) {
	o.mu.Lock()
	o.status = model.StatusErrored
	o.mu.Unlock()
	o.recordLog("error", cause.Error())
	o.publish(eventbus.KindScanError, eventbus.ScanErrorPayload{Err: cause})
}
