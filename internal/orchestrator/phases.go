package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BetterCallFirewall/scanorchestrator/internal/discovery"
	"github.com/BetterCallFirewall/scanorchestrator/internal/eventbus"
	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
	"github.com/BetterCallFirewall/scanorchestrator/internal/procsup"
	"github.com/BetterCallFirewall/scanorchestrator/internal/score"
	"github.com/BetterCallFirewall/scanorchestrator/internal/toolparser"
)

const defaultToolDeadline = 30 * time.Second

// headerArgs expands ScanConfig.Headers into repeated --header flags, in
// declared order.
func headerArgs(headers []model.Header) []string {
	args := make([]string, 0, len(headers)*2)
	for _, h := range headers {
		args = append(args, "--header", fmt.Sprintf("%s: %s", h.Name, h.Value))
	}
	return args
}

func dbmsArgs(hint string) []string {
	if hint == "" {
		return nil
	}
	return []string{"--dbms", hint}
}

// runInit probes tool availability with --version, bounded by a 5s
// deadline and shell fallback, per spec.md §4.6. A missing tool is a
// warning, not a fault.
func runInit(ctx context.Context, o *Orchestrator) error {
	probe := func(tool string) {
		if tool == "" {
			return
		}
		report := o.deps.Supervisor.Spawn(ctx, procsup.InvocationSpec{
			RegistryKey:        "init-" + tool,
			ToolPath:           tool,
			Args:               []string{"--version"},
			Deadline:           5 * time.Second,
			AllowShellFallback: true,
		})
		if report.Err != nil && !report.StoppedByCancel {
			o.recordLog("warn", fmt.Sprintf("%v: %s not available (%v)", model.ErrToolMissing, tool, report.Err))
		}
	}
	probe(o.cfg.SQLiToolPath)
	probe(o.cfg.XSSToolPath)

	return o.ask(ctx, model.QuestionSpec{
		Phase:        model.PhaseInit,
		Text:         "What does a SQL injection vulnerability allow an attacker to do?",
		Options:      []string{"Alter CSS styling", "Execute unintended SQL queries", "Change the DNS record", "Compress HTTP responses"},
		CorrectIndex: 1,
		Points:       10,
		Difficulty:   model.DifficultyFacil,
	})
}

// runDiscovery invokes the SQLi tool in crawl mode, waits for completion
// via toolparser.CrawlParser, reads the resulting CSV, and aggregates the
// discovered endpoints/parameters.
func runDiscovery(ctx context.Context, o *Orchestrator) error {
	if err := o.pause.AwaitNotPaused(ctx); err != nil {
		return err
	}
	if o.cfg.SQLiToolPath == "" {
		o.recordLog("warn", fmt.Sprintf("%v: no sqli tool configured, discovery is a no-op", model.ErrToolMissing))
		return o.ask(ctx, discoveryQuestion())
	}

	crawlParser := toolparser.NewCrawlParser(o.cfg.TmpDir)

	args := []string{
		"-u", o.cfg.TargetURL,
		"--crawl", fmt.Sprintf("%d", o.cfg.CrawlDepth),
		`--answers="N,Y,Y,Y"`,
		"--forms", "--batch", "--random-agent",
		"--threads", fmt.Sprintf("%d", o.cfg.Threads),
		"--tmp-dir", o.cfg.TmpDir,
		"-v", "1",
	}
	args = append(args, dbmsArgs(o.cfg.DBMSHint)...)
	args = append(args, headerArgs(o.cfg.Headers)...)

	crawlCtx, cancelCrawl := context.WithCancel(ctx)
	defer cancelCrawl()

	o.deps.Supervisor.Spawn(crawlCtx, procsup.InvocationSpec{
		RegistryKey:   "sqli-crawl",
		ToolPath:      o.cfg.SQLiToolPath,
		Args:          args,
		Deadline:      time.Duration(o.cfg.TimeoutSeconds) * time.Second,
		GraceDeadline: toolparser.PostKillWait,
		OnStdout: func(line string) {
			if crawlParser.OnLine(line) {
				time.AfterFunc(toolparser.CompletionKillDelay, cancelCrawl)
			}
		},
	})

	csvPath, err := crawlParser.FindCSV(ctx)
	if err != nil {
		// crawler:failed per spec.md §4.2 is an internal discovery-phase
		// signal, not one of the public event kinds (SPEC_FULL.md §4.5);
		// it surfaces here as a warning log only.
		o.recordLog("warn", fmt.Sprintf("crawl produced no CSV: %v", err))
		return o.ask(ctx, discoveryQuestion())
	}

	result, err := discovery.ReadCSV(csvPath)
	if err != nil {
		o.recordLog("warn", fmt.Sprintf("discovery CSV parse: %v", err))
	}
	for _, ep := range result.Endpoints {
		o.addEndpoint(ep)
	}
	if o.cfg.OutputDir != "" {
		if err := discovery.WriteTargetFiles(o.cfg.OutputDir, result.Endpoints); err != nil {
			o.recordLog("warn", fmt.Sprintf("writing target files: %v", err))
		}
	}

	return o.ask(ctx, discoveryQuestion())
}

func discoveryQuestion() model.QuestionSpec {
	return model.QuestionSpec{
		Phase:        model.PhaseDiscovery,
		Text:         "Why does the crawler discover both GET and POST endpoints?",
		Options:      []string{"POST endpoints cannot be vulnerable", "Injectable parameters can live in either the query string or the request body", "Only GET requests are tested", "Crawling POST endpoints is illegal"},
		CorrectIndex: 1,
		Points:       10,
		Difficulty:   model.DifficultyMedia,
	}
}

// sqliSubphases is the fixed order spec.md §3 names for the sqli phase.
var sqliSubphases = []model.SubphaseID{
	model.SubphaseDetection,
	model.SubphaseFingerprint,
	model.SubphaseTechnique,
	model.SubphaseExploit,
}

// runSQLi invokes the SQLi tool once per endpoint per subphase, gated by
// flags.sqli.
func runSQLi(ctx context.Context, o *Orchestrator) error {
	if !o.cfg.Flags.SQLi {
		for _, sub := range sqliSubphases {
			o.setSubphaseStatus(model.PhaseSQLi, sub, model.PhaseSkipped)
		}
		return nil
	}

	endpoints := o.GetStatus().Endpoints
	for _, ep := range endpoints {
		if err := o.pause.AwaitNotPaused(ctx); err != nil {
			return err
		}
		if len(ep.Parameters) == 0 {
			continue
		}

		for _, sub := range sqliSubphases {
			if err := o.pause.AwaitNotPaused(ctx); err != nil {
				return err
			}
			o.runSQLiSubphase(ctx, ep, sub)
		}
	}
	return nil
}

func (o *Orchestrator) runSQLiSubphase(ctx context.Context, ep model.Endpoint, sub model.SubphaseID) {
	o.setSubphaseStatus(model.PhaseSQLi, sub, model.PhaseRunning)
	o.publish(eventbus.KindSubphaseStarted, eventbus.SubphasePayload{Phase: model.PhaseSQLi, Subphase: sub, Status: model.PhaseRunning})

	args := []string{
		"-u", ep.URL,
		"-p", strings.Join(ep.Parameters, ","),
		"--level", fmt.Sprintf("%d", o.cfg.SQLiLevel),
		"--risk", fmt.Sprintf("%d", o.cfg.SQLiRisk),
		"--batch", "--random-agent",
		"--threads", fmt.Sprintf("%d", o.cfg.Threads),
	}
	args = append(args, dbmsArgs(o.cfg.DBMSHint)...)
	args = append(args, headerArgs(o.cfg.Headers)...)
	switch sub {
	case model.SubphaseFingerprint:
		args = append(args, "--fingerprint")
	case model.SubphaseExploit:
		args = append(args, "--current-db", "--banner")
	}

	finder := toolparser.NewFindingParser(ep.Key(), ep.Parameters)
	key := fmt.Sprintf("sqli-endpoint-%s-%s", endpointHash(ep), sub)

	report := o.deps.Supervisor.Spawn(ctx, procsup.InvocationSpec{
		RegistryKey: key,
		ToolPath:    o.cfg.SQLiToolPath,
		Args:        args,
		Deadline:    time.Duration(o.cfg.TimeoutSeconds) * time.Second,
		OnStdout: func(line string) {
			if v, ok := finder.OnLine(line); ok {
				o.addVulnerability(v)
			}
		},
	})

	status := model.PhaseCompleted
	if report.Err != nil && !report.StoppedByDeadline && !report.StoppedByCancel {
		status = model.PhaseError
		o.recordLog("warn", fmt.Sprintf("%v: sqli %s on %s: %v", model.ErrToolInvocationFailed, sub, ep.URL, report.Err))
	}
	o.setSubphaseStatus(model.PhaseSQLi, sub, status)
	o.publish(eventbus.KindSubphaseCompleted, eventbus.SubphasePayload{Phase: model.PhaseSQLi, Subphase: sub, Status: status})
}

// runXSS invokes the XSS tool once per GET endpoint (and, if configured,
// POST endpoints), gated by flags.xss.
func runXSS(ctx context.Context, o *Orchestrator) error {
	if !o.cfg.Flags.XSS {
		return nil
	}

	endpoints := o.GetStatus().Endpoints
	for _, ep := range endpoints {
		if err := o.pause.AwaitNotPaused(ctx); err != nil {
			return err
		}
		if ep.Method == model.MethodPOST && !o.cfg.XSSIncludePOST {
			continue
		}

		args := []string{"url", ep.URL}
		args = append(args, headerArgs(o.cfg.Headers)...)
		args = append(args, "--format", "json", "--timeout", fmt.Sprintf("%d", o.cfg.TimeoutSeconds))

		var stdout strings.Builder
		report := o.deps.Supervisor.Spawn(ctx, procsup.InvocationSpec{
			RegistryKey: "xss-" + endpointHash(ep),
			ToolPath:    o.cfg.XSSToolPath,
			Args:        args,
			Deadline:    time.Duration(o.cfg.TimeoutSeconds) * time.Second,
			OnStdout: func(line string) {
				stdout.WriteString(line)
				stdout.WriteString("\n")
			},
		})
		if report.Err != nil && !report.StoppedByDeadline && !report.StoppedByCancel {
			o.recordLog("warn", fmt.Sprintf("%v: xss on %s: %v", model.ErrToolInvocationFailed, ep.URL, report.Err))
			continue
		}
		if report.Err != nil && report.StoppedByCancel {
			continue
		}

		vulns, err := toolparser.ParseXSSJSON([]byte(stdout.String()), ep.Key())
		if err != nil {
			o.recordLog("warn", fmt.Sprintf("xss json parse on %s: %v", ep.URL, err))
			continue
		}
		for _, v := range vulns {
			o.addVulnerability(v)
		}
	}
	return nil
}

// runReport waits for the active-process registry to drain (up to 60s,
// polling every second), then computes the final score.
func runReport(ctx context.Context, o *Orchestrator) error {
	deadline := time.Now().Add(registryDrainTimeout)
	for o.deps.Supervisor.Registry().Len() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registryDrainPoll):
		}
	}
	if o.deps.Supervisor.Registry().Len() > 0 {
		o.recordLog("warn", "report: active-process registry did not drain within 60s")
	}

	status := o.GetStatus()
	var earned, possible float64
	for _, r := range status.QuestionResults {
		earned += r.PointsEarned
		possible += r.Points
	}
	result := score.Compute(earned, possible, len(status.Vulnerabilities))

	o.mu.Lock()
	o.score = &result
	o.mu.Unlock()
	return nil
}

// endpointHash builds a short, stable registry-key suffix for an
// endpoint; collisions are harmless since it only scopes a registry key.
func endpointHash(ep model.Endpoint) string {
	sum := 2166136261
	for _, c := range string(ep.Method) + "|" + ep.URL {
		sum = (sum ^ int(c)) * 16777619
	}
	return fmt.Sprintf("%x", uint32(sum))
}
