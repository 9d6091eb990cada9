// Package model defines the in-memory value types owned by a single
// Orchestrator instance: one scan's configuration, discovered surface,
// findings, and lifecycle state. Nothing here is shared between scans.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScanID identifies one scan. Opaque to this package.
type ScanID string

// NewScanID generates a fresh, random ScanID.
func NewScanID() ScanID {
	return ScanID(uuid.NewString())
}

// ToolKind distinguishes the two external scanner binaries.
type ToolKind string

const (
	SQLiTool ToolKind = "sqli"
	XSSTool  ToolKind = "xss"
)

// Severity classifies a Vulnerability.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) String() string { return string(s) }

// Method is the HTTP method of an Endpoint.
type Method string

const (
	MethodGET  Method = "GET"
	MethodPOST Method = "POST"
)

// ParameterType distinguishes where a Parameter was observed.
type ParameterType string

const (
	ParamQuery ParameterType = "query"
	ParamBody  ParameterType = "body"
)

// PhaseID names one step of the ordered scan pipeline.
type PhaseID string

const (
	PhaseInit      PhaseID = "init"
	PhaseDiscovery PhaseID = "discovery"
	PhaseSQLi      PhaseID = "sqli"
	PhaseXSS       PhaseID = "xss"
	PhaseReport    PhaseID = "report"
)

// phaseOrder fixes the strict execution order; Order panics on an unknown
// PhaseID since that indicates a programming error, never bad input.
var phaseOrder = map[PhaseID]int{
	PhaseInit:      0,
	PhaseDiscovery: 1,
	PhaseSQLi:      2,
	PhaseXSS:       3,
	PhaseReport:    4,
}

// Order returns this phase's position in the fixed pipeline.
func (p PhaseID) Order() int {
	o, ok := phaseOrder[p]
	if !ok {
		panic(fmt.Sprintf("model: unknown phase %q", p))
	}
	return o
}

// PhaseStatus is the lifecycle of one PhaseRecord.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseError     PhaseStatus = "error"
	PhaseSkipped   PhaseStatus = "skipped"
)

// SubphaseID names a step within the sqli or xss phase.
type SubphaseID string

const (
	SubphaseDetection  SubphaseID = "detection"
	SubphaseFingerprint SubphaseID = "fingerprint"
	SubphaseTechnique  SubphaseID = "technique"
	SubphaseExploit    SubphaseID = "exploit"

	SubphaseContext SubphaseID = "context"
	SubphasePayload SubphaseID = "payload"
	SubphaseFuzzing SubphaseID = "fuzzing"
)

// SubphaseRecord tracks one subphase's lifecycle within a PhaseRecord.
type SubphaseRecord struct {
	ID     SubphaseID  `json:"id"`
	Status PhaseStatus `json:"status"`
}

// PhaseRecord is one entry of the scan's phase timeline.
type PhaseRecord struct {
	ID        PhaseID          `json:"id"`
	Name      string           `json:"name"`
	Status    PhaseStatus      `json:"status"`
	Subphases []SubphaseRecord `json:"subphases,omitempty"`
}

// ScanStatus is the terminal-or-not lifecycle state of a scan.
type ScanStatus string

const (
	StatusPending    ScanStatus = "pending"
	StatusInProgress ScanStatus = "in_progress"
	StatusFinalized  ScanStatus = "finalized"
	StatusErrored    ScanStatus = "error"
	StatusStopped    ScanStatus = "stopped"
)

// Terminal reports whether this status ends the scan's lifecycle.
func (s ScanStatus) Terminal() bool {
	switch s {
	case StatusFinalized, StatusErrored, StatusStopped:
		return true
	default:
		return false
	}
}

// Endpoint is a (URL, method) pair with its observed parameters.
type Endpoint struct {
	URL        string   `json:"url"`
	Method     Method   `json:"method"`
	Parameters []string `json:"parameters"` // ordered, unique, first-seen order
	PostData   string   `json:"post_data,omitempty"`
}

// Key returns the Endpoint dedupe key (method, url).
func (e Endpoint) Key() EndpointKey { return EndpointKey{Method: e.Method, URL: e.URL} }

// EndpointKey is the dedupe/map key for Endpoint: (method, url).
type EndpointKey struct {
	Method Method
	URL    string
}

// MergeParameters adds any names from extra not already present, preserving
// first-seen order, and reports whether anything changed.
func (e *Endpoint) MergeParameters(extra []string) bool {
	seen := make(map[string]struct{}, len(e.Parameters))
	for _, p := range e.Parameters {
		seen[p] = struct{}{}
	}
	changed := false
	for _, p := range extra {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		e.Parameters = append(e.Parameters, p)
		changed = true
	}
	return changed
}

// SetPostData sets PostData if it is currently empty and body is not.
func (e *Endpoint) SetPostData(body string) bool {
	if e.PostData == "" && body != "" {
		e.PostData = body
		return true
	}
	return false
}

// Parameter is a named input observed on an Endpoint, derived during
// discovery. Name "*" means "let the tool select".
type Parameter struct {
	Endpoint EndpointKey   `json:"-"`
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Testable bool          `json:"testable"`
}

// Vulnerability is a confirmed injection point reported by a tool.
type Vulnerability struct {
	Type        ToolKind    `json:"type"`
	Severity    Severity    `json:"severity"`
	Endpoint    EndpointKey `json:"endpoint"`
	Parameter   string      `json:"parameter"`
	Description string      `json:"description"`
}

// Key returns the Vulnerability dedupe key (type, endpoint, parameter).
func (v Vulnerability) Key() VulnerabilityKey {
	return VulnerabilityKey{Type: v.Type, Endpoint: v.Endpoint, Parameter: v.Parameter}
}

// VulnerabilityKey is the dedupe key for a Vulnerability.
type VulnerabilityKey struct {
	Type      ToolKind
	Endpoint  EndpointKey
	Parameter string
}

// Difficulty is the grading multiplier bucket for a QuestionSpec.
type Difficulty string

const (
	DifficultyFacil   Difficulty = "facil"
	DifficultyMedia   Difficulty = "media"
	DifficultyDificil Difficulty = "dificil"
)

// Multiplier returns the difficulty's scoring multiplier, defaulting to
// 1.0 for an unrecognized or empty difficulty.
func (d Difficulty) Multiplier() float64 {
	switch d {
	case DifficultyMedia:
		return 1.5
	case DifficultyDificil:
		return 2.0
	default:
		return 1.0
	}
}

// QuestionSpec is a multiple-choice question presented to the user.
type QuestionSpec struct {
	ID            string     `json:"id,omitempty"`
	Phase         PhaseID    `json:"phase"`
	Text          string     `json:"text"`
	Options       []string   `json:"options"`
	CorrectIndex  int        `json:"correct_index"`
	Points        float64    `json:"points"`
	Difficulty    Difficulty `json:"difficulty"`
}

// QuestionResult records the user's answer and its grading.
type QuestionResult struct {
	QuestionID   string    `json:"question_id,omitempty"`
	Phase        PhaseID   `json:"phase"`
	Question     string    `json:"question"`
	Options      []string  `json:"options"`
	CorrectIndex int       `json:"correct_index"`
	UserIndex    int       `json:"user_index"`
	Correct      bool      `json:"correct"`
	Points       float64   `json:"points"`
	PointsEarned float64   `json:"points_earned"`
	AnsweredAt   time.Time `json:"answered_at"`
}

// Stats are monotonically non-decreasing scan counters.
type Stats struct {
	TotalRequests        int `json:"total_requests"`
	VulnerabilitiesFound  int `json:"vulnerabilities_found"`
	EndpointsDiscovered  int `json:"endpoints_discovered"`
	ParametersFound      int `json:"parameters_found"`
}

// Grade is the qualitative bucket derived from a FinalScore.
type Grade string

const (
	GradeExcelente  Grade = "Excelente"
	GradeBueno      Grade = "Bueno"
	GradeRegular    Grade = "Regular"
	GradeDeficiente Grade = "Deficiente"
	GradeCritico    Grade = "Crítico"
)

// AnswerMsg is the inbound answerQuestion payload.
type AnswerMsg struct {
	SelectedAnswer int
}

// Header is a custom "Name: Value" request header.
type Header struct {
	Name  string
	Value string
}

// ScanConfig is immutable after Validate succeeds.
type ScanConfig struct {
	TargetURL       string
	Flags           ScanFlags
	SQLiToolPath    string
	XSSToolPath     string
	CrawlDepth      int
	SQLiLevel       int
	SQLiRisk        int
	Threads         int
	TimeoutSeconds  int
	DBMSHint        string
	Headers         []Header
	OutputDir       string
	TmpDir          string
	XSSIncludePOST  bool // default false; see DESIGN.md "Open Question decisions"
}

// ScanFlags selects which tool phases run. At least one must be true.
type ScanFlags struct {
	SQLi bool
	XSS  bool
}

// Validate applies §3's fatal-at-construction checks, returning the first
// violation wrapped in ErrConfigInvalid.
func (c *ScanConfig) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("%w: target URL is required", ErrConfigInvalid)
	}
	if !isAbsoluteURL(c.TargetURL) {
		return fmt.Errorf("%w: target URL %q is not an absolute, well-formed URL", ErrConfigInvalid, c.TargetURL)
	}
	if !c.Flags.SQLi && !c.Flags.XSS {
		return fmt.Errorf("%w: at least one of flags.sqli or flags.xss must be true", ErrConfigInvalid)
	}
	if c.CrawlDepth == 0 {
		c.CrawlDepth = 2
	}
	if c.SQLiLevel < 1 || c.SQLiLevel > 5 {
		return fmt.Errorf("%w: sqli level must be 1..5, got %d", ErrConfigInvalid, c.SQLiLevel)
	}
	if c.SQLiRisk < 1 || c.SQLiRisk > 3 {
		return fmt.Errorf("%w: sqli risk must be 1..3, got %d", ErrConfigInvalid, c.SQLiRisk)
	}
	if c.Threads < 1 {
		return fmt.Errorf("%w: thread count must be >= 1, got %d", ErrConfigInvalid, c.Threads)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("%w: per-invocation timeout must be >= 1 second, got %d", ErrConfigInvalid, c.TimeoutSeconds)
	}
	return nil
}
