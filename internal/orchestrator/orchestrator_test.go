package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BetterCallFirewall/scanorchestrator/internal/eventbus"
	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
	"github.com/BetterCallFirewall/scanorchestrator/internal/procsup"
)

// fakeSupervisor replaces procsup.Supervisor in tests: spawnFn decides
// how to react to each InvocationSpec by inspecting its RegistryKey, so
// scenarios never touch real subprocesses.
type fakeSupervisor struct {
	registry *procsup.Registry
	spawnFn  func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport
}

func newFakeSupervisor(fn func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport) *fakeSupervisor {
	return &fakeSupervisor{registry: procsup.NewRegistry(nil), spawnFn: fn}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
	return f.spawnFn(ctx, spec)
}

func (f *fakeSupervisor) Registry() *procsup.Registry { return f.registry }

func baseConfig(t *testing.T, flags model.ScanFlags) model.ScanConfig {
	t.Helper()
	return model.ScanConfig{
		TargetURL:      "http://t/",
		Flags:          flags,
		SQLiToolPath:   "sqlitool",
		XSSToolPath:    "xsstool",
		SQLiLevel:      1,
		SQLiRisk:       1,
		Threads:        1,
		TimeoutSeconds: 30,
		TmpDir:         t.TempDir(),
		OutputDir:      t.TempDir(),
	}
}

func writeCrawlCSV(t *testing.T, dir string, line string) {
	t.Helper()
	content := "URL,POST\n" + line + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crawl.csv"), []byte(content), 0o644))
}

// runToTerminal drains ch on a single consumer, auto-answering every
// question:asked with its correct index (unless a test wants to control
// answering itself), until a terminal scan event arrives or timeout
// elapses. It returns every event observed, in order.
func runToTerminal(o *Orchestrator, ch <-chan eventbus.Event, timeout time.Duration, autoAnswer bool) []eventbus.Event {
	var events []eventbus.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if autoAnswer && ev.Kind == eventbus.KindQuestionAsked {
				p := ev.Payload.(eventbus.QuestionAskedPayload)
				go func() { _ = o.AnswerQuestion(model.AnswerMsg{SelectedAnswer: p.Spec.CorrectIndex}) }()
			}
			switch ev.Kind {
			case eventbus.KindScanCompleted, eventbus.KindScanError, eventbus.KindScanStopped:
				return events
			}
		case <-deadline:
			return events
		}
	}
}

// TestOrchestrator_HappyPath covers spec.md §8 scenario 1.
func TestOrchestrator_HappyPath(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{SQLi: true})

	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		switch {
		case spec.RegistryKey == "sqli-crawl":
			writeCrawlCSV(t, cfg.TmpDir, "http://t/a?id=1,")
			if spec.OnStdout != nil {
				spec.OnStdout("found a total of 1 targets")
			}
			return procsup.ExitReport{}
		case len(spec.RegistryKey) >= 14 && spec.RegistryKey[:14] == "sqli-endpoint-":
			if spec.OnStdout != nil {
				spec.OnStdout("Parameter: id is vulnerable")
			}
			return procsup.ExitReport{}
		default:
			return procsup.ExitReport{}
		}
	})

	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))

	events := runToTerminal(o, ch, 10*time.Second, true)

	require.NotEmpty(t, events)
	assert.Equal(t, eventbus.KindScanCompleted, events[len(events)-1].Kind)

	status := o.GetStatus()
	assert.Equal(t, model.StatusFinalized, status.Status)
	require.Len(t, status.Vulnerabilities, 1)
	assert.Equal(t, "id", status.Vulnerabilities[0].Parameter)
	assert.Equal(t, model.SeverityCritical, status.Vulnerabilities[0].Severity)
	assert.Equal(t, 1, status.Stats.VulnerabilitiesFound)
}

// TestOrchestrator_CrawlProducesNoCSV covers spec.md §8 scenario 2.
func TestOrchestrator_CrawlProducesNoCSV(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{SQLi: true})

	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		// crawl exits without ever writing a CSV or emitting a completion marker
		return procsup.ExitReport{}
	})

	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))

	events := runToTerminal(o, ch, 15*time.Second, true)

	require.NotEmpty(t, events)
	assert.Equal(t, eventbus.KindScanCompleted, events[len(events)-1].Kind)

	status := o.GetStatus()
	assert.Empty(t, status.Endpoints)
	assert.Equal(t, 0, status.Stats.VulnerabilitiesFound)
}

// TestOrchestrator_StopDuringSQLi covers spec.md §8 scenario 3.
func TestOrchestrator_StopDuringSQLi(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{SQLi: true})

	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		switch {
		case spec.RegistryKey == "sqli-crawl":
			writeCrawlCSV(t, cfg.TmpDir, "http://t/a?id=1,")
			if spec.OnStdout != nil {
				spec.OnStdout("found a total of 1 targets")
			}
			return procsup.ExitReport{}
		case len(spec.RegistryKey) >= 14 && spec.RegistryKey[:14] == "sqli-endpoint-":
			<-ctx.Done()
			return procsup.ExitReport{StoppedByCancel: true}
		default:
			return procsup.ExitReport{}
		}
	})

	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))

	var events []eventbus.Event
	stopped := make(chan struct{})
	go func() {
		events = runToTerminal(o, ch, 5*time.Second, true)
		close(stopped)
	}()

	// Let init/discovery finish, then stop mid-sqli.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, o.Stop())

	<-stopped

	require.NotEmpty(t, events)
	assert.Equal(t, eventbus.KindScanStopped, events[len(events)-1].Kind)
	for _, ev := range events {
		assert.NotEqual(t, eventbus.KindScanCompleted, ev.Kind)
	}
	assert.Equal(t, model.StatusStopped, o.GetStatus().Status)
}

// TestOrchestrator_PauseOverQuestion covers spec.md §8 scenario 4.
func TestOrchestrator_PauseOverQuestion(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{SQLi: true})

	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		if spec.RegistryKey == "sqli-crawl" {
			writeCrawlCSV(t, cfg.TmpDir, "http://t/a?id=1,")
			if spec.OnStdout != nil {
				spec.OnStdout("found a total of 1 targets")
			}
		}
		return procsup.ExitReport{}
	})

	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))

	var events []eventbus.Event
	done := make(chan struct{})
	go func() {
		deadline := time.After(10 * time.Second)
		for {
			select {
			case ev := <-ch:
				events = append(events, ev)
				if ev.Kind == eventbus.KindQuestionAsked {
					p := ev.Payload.(eventbus.QuestionAskedPayload)
					go func(idx int) {
						time.Sleep(300 * time.Millisecond) // simulate the user taking a moment to answer
						_ = o.AnswerQuestion(model.AnswerMsg{SelectedAnswer: idx})
					}(p.Spec.CorrectIndex)
				}
				switch ev.Kind {
				case eventbus.KindScanCompleted, eventbus.KindScanError, eventbus.KindScanStopped:
					close(done)
					return
				}
			case <-deadline:
				close(done)
				return
			}
		}
	}()
	<-done

	var sawResult bool
	for _, ev := range events {
		if ev.Kind == eventbus.KindQuestionResult {
			p := ev.Payload.(eventbus.QuestionResultPayload)
			assert.True(t, p.Result.Correct)
			sawResult = true
		}
	}
	assert.True(t, sawResult, "expected at least one question:result event")
	assert.Equal(t, eventbus.KindScanCompleted, events[len(events)-1].Kind)
}

// TestOrchestrator_XSSMalformedJSON covers spec.md §8 scenario 5.
func TestOrchestrator_XSSMalformedJSON(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{XSS: true})

	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		switch {
		case spec.RegistryKey == "sqli-crawl":
			writeCrawlCSV(t, cfg.TmpDir, "http://t/a?id=1,")
			if spec.OnStdout != nil {
				spec.OnStdout("found a total of 1 targets")
			}
		case len(spec.RegistryKey) >= 4 && spec.RegistryKey[:4] == "xss-":
			if spec.OnStdout != nil {
				spec.OnStdout("not json")
			}
		}
		return procsup.ExitReport{}
	})

	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))

	events := runToTerminal(o, ch, 10*time.Second, true)

	for _, ev := range events {
		assert.NotEqual(t, eventbus.KindScanError, ev.Kind)
	}
	status := o.GetStatus()
	assert.Equal(t, 0, status.Stats.VulnerabilitiesFound)
}

// TestOrchestrator_DuplicateFinding covers spec.md §8 scenario 6.
func TestOrchestrator_DuplicateFinding(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{SQLi: true})

	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		switch {
		case spec.RegistryKey == "sqli-crawl":
			writeCrawlCSV(t, cfg.TmpDir, "http://t/a?id=1,")
			if spec.OnStdout != nil {
				spec.OnStdout("found a total of 1 targets")
			}
		case len(spec.RegistryKey) >= 14 && spec.RegistryKey[:14] == "sqli-endpoint-":
			if spec.OnStdout != nil {
				spec.OnStdout("Parameter: id is vulnerable")
				spec.OnStdout("Parameter: id is vulnerable")
			}
		}
		return procsup.ExitReport{}
	})

	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))

	events := runToTerminal(o, ch, 10*time.Second, true)

	assert.Equal(t, eventbus.KindScanCompleted, events[len(events)-1].Kind)
	status := o.GetStatus()
	assert.Equal(t, 1, status.Stats.VulnerabilitiesFound)
	assert.Len(t, status.Vulnerabilities, 1)
}

func TestOrchestrator_Start_NotReentrant(t *testing.T) {
	cfg := baseConfig(t, model.ScanFlags{SQLi: true})
	sup := newFakeSupervisor(func(ctx context.Context, spec procsup.InvocationSpec) procsup.ExitReport {
		return procsup.ExitReport{}
	})
	o, err := New(cfg, Deps{Supervisor: sup})
	require.NoError(t, err)

	ch, unsub := o.deps.Bus.Subscribe()
	defer unsub()

	require.NoError(t, o.Start(context.Background()))
	err = o.Start(context.Background())
	assert.ErrorIs(t, err, model.ErrAlreadyStarted)

	runToTerminal(o, ch, 5*time.Second, true)
}
