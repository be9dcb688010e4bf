package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openctemio/sast-triage/internal/infra/memory"
	"github.com/openctemio/sast-triage/internal/infra/scm"
	"github.com/openctemio/sast-triage/internal/infra/sonarqube"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test doubles
// =============================================================================

type stubFindings struct {
	findings   []triage.Finding
	listErr    error
	resolveKey string
	resolveErr error
	listCalls  int
}

func (s *stubFindings) ListFindings(_ context.Context, _ string) ([]triage.Finding, error) {
	s.listCalls++
	return s.findings, s.listErr
}

func (s *stubFindings) ResolveProject(_ context.Context, _ string) (string, error) {
	return s.resolveKey, s.resolveErr
}

type stubSource struct {
	mu      sync.Mutex
	files   map[string]string
	fetches map[string]int
}

func (s *stubSource) GetFile(_ context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetches == nil {
		s.fetches = map[string]int{}
	}
	s.fetches[path]++
	content, ok := s.files[path]
	if !ok {
		return "", scm.ErrNotFound
	}
	return content, nil
}

// stubClassifier returns a deterministic verdict per finding key.
type stubClassifier struct {
	mu       sync.Mutex
	verdicts map[string]triage.Verdict
	failKeys map[string]error
	calls    []string
	before   func(key string)
}

func (c *stubClassifier) Classify(_ context.Context, f triage.Finding, source string) (*ClassifierResult, error) {
	if c.before != nil {
		c.before(f.Key)
	}
	c.mu.Lock()
	c.calls = append(c.calls, f.Key)
	c.mu.Unlock()

	prompt := "prompt for " + f.Key
	if err, ok := c.failKeys[f.Key]; ok {
		return nil, &ClassificationError{Kind: ClassificationTransport, Prompt: prompt, Err: err}
	}
	v, ok := c.verdicts[f.Key]
	if !ok {
		v = triage.VerdictTruePositive
	}
	conf := 0.9
	return &ClassifierResult{
		Classification: triage.Classification{
			Verdict:     v,
			Confidence:  &conf,
			ShortReason: "checked " + f.Key + " against " + fmt.Sprint(len(source)) + " bytes",
		},
		Prompt:      prompt,
		RawResponse: `{"triage":"` + string(v) + `"}`,
	}, nil
}

func (c *stubClassifier) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type stubFactory struct {
	adapters *TriageAdapters
	err      error
}

func (f *stubFactory) ForScan(context.Context, shared.ID, configuration.Settings) (*TriageAdapters, error) {
	return f.adapters, f.err
}

func (f *stubFactory) TestLLM(context.Context, configuration.Settings) triage.ConnectionResult {
	return triage.ConnectionOK("llm ok")
}

func (f *stubFactory) TestSonarQube(context.Context, configuration.Settings) triage.ConnectionResult {
	return triage.ConnectionFailed(triage.ErrorTypeAuthentication, "Authentication failed", nil)
}

func (f *stubFactory) TestSource(context.Context, configuration.Settings) triage.ConnectionResult {
	return triage.ConnectionOK("repo ok")
}

type recordingArchiver struct {
	archived int
}

func (a *recordingArchiver) Archive(_ context.Context, _ *triage.Scan, analyses []*triage.Analysis) error {
	a.archived = len(analyses)
	return nil
}

// countingScans counts full scan reads and finding list writes.
type countingScans struct {
	triage.ScanRepository
	mu      sync.Mutex
	gets    int
	freezes int
}

func (c *countingScans) GetByID(ctx context.Context, id shared.ID) (*triage.Scan, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.ScanRepository.GetByID(ctx, id)
}

func (c *countingScans) Freeze(ctx context.Context, scan *triage.Scan) error {
	c.mu.Lock()
	c.freezes++
	c.mu.Unlock()
	return c.ScanRepository.Freeze(ctx, scan)
}

// syncRunner records enqueued scans without running them.
type syncRunner struct {
	queued []shared.ID
	err    error
}

func (r *syncRunner) Enqueue(_ context.Context, scan *triage.Scan) error {
	if r.err != nil {
		return r.err
	}
	r.queued = append(r.queued, scan.ID())
	return nil
}

type harness struct {
	store        *memory.Store
	findings     *stubFindings
	source       *stubSource
	classifier   *stubClassifier
	factory      *stubFactory
	orchestrator *ScanOrchestrator
	service      *ScanService
	runner       *syncRunner
	archiver     *recordingArchiver
	config       *configuration.Configuration
}

func validSettings() configuration.Settings {
	return configuration.Settings{
		LLMURL:              "http://llm.local/v1",
		LLMModel:            "local-model",
		SonarQubeURL:        "https://sonar.local",
		SonarQubeAPIKey:     "sq-token",
		SonarQubeProjectKey: "acme_app",
		GitHubOwner:         "acme",
		GitHubRepo:          "app",
		GitHubAPIKey:        "gh-token",
	}
}

func newHarness(t *testing.T, findings []triage.Finding, files map[string]string) *harness {
	t.Helper()

	h := &harness{
		store:      memory.NewStore(),
		findings:   &stubFindings{findings: findings},
		source:     &stubSource{files: files},
		classifier: &stubClassifier{},
		runner:     &syncRunner{},
		archiver:   &recordingArchiver{},
	}
	h.factory = &stubFactory{adapters: &TriageAdapters{
		Findings:   h.findings,
		Source:     h.source,
		Classifier: h.classifier,
	}}

	cfg, err := configuration.NewConfiguration("acme", validSettings())
	require.NoError(t, err)
	require.NoError(t, h.store.Configurations().Create(context.Background(), cfg))
	h.config = cfg

	log := logger.NewNop()
	h.orchestrator = NewScanOrchestrator(OrchestratorDeps{
		Scans:         h.store.Scans(),
		Analyses:      h.store.Analyses(),
		Configs:       h.store.Configurations(),
		Defaults:      h.store.Defaults(),
		Adapters:      h.factory,
		Archiver:      h.archiver,
		ArchiveOnDone: true,
	}, log)
	h.service = NewScanService(h.store.Scans(), h.store.Analyses(), h.store.Configurations(), h.runner, log)
	return h
}

func (h *harness) start(t *testing.T) shared.ID {
	t.Helper()
	scan, err := h.service.StartScan(context.Background(), h.config.ID().String())
	require.NoError(t, err)
	return scan.ID()
}

func (h *harness) scan(t *testing.T, id shared.ID) *triage.Scan {
	t.Helper()
	scan, err := h.store.Scans().GetByID(context.Background(), id)
	require.NoError(t, err)
	return scan
}

func (h *harness) analyses(t *testing.T, id shared.ID) []*triage.Analysis {
	t.Helper()
	list, err := h.store.Analyses().ListByScan(context.Background(), id)
	require.NoError(t, err)
	return list
}

func line(n int) *int { return &n }

func findingsIn(path string, keys ...string) []triage.Finding {
	out := make([]triage.Finding, 0, len(keys))
	for i, k := range keys {
		out = append(out, triage.Finding{
			Key:      k,
			FilePath: path,
			Line:     line(i + 1),
			Rule:     "java:S3649",
			Message:  "Possible SQL injection",
			Kind:     triage.KindVulnerability,
		})
	}
	return out
}

func tenFindings() ([]triage.Finding, map[string]string) {
	var findings []triage.Finding
	for i := 1; i <= 10; i++ {
		findings = append(findings, findingsIn(fmt.Sprintf("src/F%d.java", (i-1)/3), fmt.Sprintf("f%d", i))...)
	}
	files := map[string]string{
		"src/F0.java": "class F0 {}",
		"src/F1.java": "class F1 {}",
		"src/F2.java": "class F2 {}",
		"src/F3.java": "class F3 {}",
	}
	return findings, files
}

// =============================================================================
// Scenarios
// =============================================================================

func TestOrchestrator_CompletesAndCountsVerdicts(t *testing.T) {
	findings := append(findingsIn("A.java", "a1", "a2"), findingsIn("B.java", "b1")...)
	h := newHarness(t, findings, map[string]string{"A.java": "a", "B.java": "b"})
	h.classifier.verdicts = map[string]triage.Verdict{
		"a1": triage.VerdictFalsePositive,
		"a2": triage.VerdictTruePositive,
		"b1": triage.VerdictNeedsReview,
	}

	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusCompleted, scan.Status())
	assert.Equal(t, 100, scan.Progress())
	assert.Equal(t, triage.Counts{Total: 3, FalsePositives: 1, TruePositives: 1, NeedsReview: 1}, scan.Counts())
	assert.Equal(t, 3, scan.Cursor())
	assert.NotNil(t, scan.CompletedAt())

	analyses := h.analyses(t, id)
	require.Len(t, analyses, 3)
	assert.Equal(t, "prompt for a1", analyses[0].Prompt())
	assert.Equal(t, 1, h.source.fetches["A.java"], "one fetch per file group")
	assert.Equal(t, 3, h.archiver.archived)
}

func TestOrchestrator_ClassifierFailureIsIsolated(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)
	h.classifier.failKeys = map[string]error{"f3": errors.New("connection reset by peer")}

	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusCompleted, scan.Status())
	assert.Equal(t, 10, scan.Counts().Total)
	assert.Equal(t, 1, scan.Counts().NeedsReview)
	assert.Equal(t, 9, scan.Counts().TruePositives)

	analyses := h.analyses(t, id)
	require.Len(t, analyses, 10)
	failed := analyses[2]
	assert.Equal(t, "f3", failed.Finding().Key)
	assert.Equal(t, triage.VerdictNeedsReview, failed.Verdict())
	assert.Contains(t, failed.ShortReason(), "connection reset by peer")
	assert.Contains(t, failed.DetailedExplanation(), "connection reset by peer")
	assert.Equal(t, "prompt for f3", failed.Prompt(), "prompt is kept even when classification fails")
}

func TestOrchestrator_RetrievalFailureIsIsolatedToItsFile(t *testing.T) {
	findings := append(findingsIn("A.java", "a1", "a2", "a3"), findingsIn("B.java", "b1", "b2")...)
	h := newHarness(t, findings, map[string]string{"A.java": "class A {}"})

	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusCompleted, scan.Status())
	assert.Equal(t, 5, scan.Counts().Total)
	assert.Equal(t, 2, scan.Counts().NeedsReview)

	analyses := h.analyses(t, id)
	require.Len(t, analyses, 5)
	for _, a := range analyses[:3] {
		assert.Equal(t, triage.VerdictTruePositive, a.Verdict())
	}
	for _, a := range analyses[3:] {
		assert.Equal(t, triage.VerdictNeedsReview, a.Verdict())
		assert.Contains(t, a.ShortReason(), "Could not fetch source code")
	}
	assert.Equal(t, []string{"a1", "a2", "a3"}, h.classifier.Calls(), "B's findings never reach the classifier")
	assert.Equal(t, 1, h.source.fetches["B.java"])
}

func TestOrchestrator_PauseAfterFourthFindingThenResume(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)

	var id shared.ID
	h.classifier.before = func(key string) {
		// Request the pause while finding #4 is in flight; it takes effect after #4 completes.
		if key == "f4" {
			_, err := h.service.PauseScan(context.Background(), id.String())
			require.NoError(t, err)
		}
	}

	id = h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusPaused, scan.Status())
	assert.Equal(t, 4, scan.Cursor(), "next finding is #5")
	assert.Equal(t, 40, scan.Progress())
	assert.Equal(t, []string{"f1", "f2", "f3", "f4"}, h.classifier.Calls())
	assert.Len(t, h.analyses(t, id), 4)

	// Running a paused scan does nothing.
	require.NoError(t, h.orchestrator.Run(context.Background(), id))
	assert.Len(t, h.classifier.Calls(), 4)

	h.classifier.before = nil
	resumed, err := h.service.ResumeScan(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, "Resuming at finding 5 of 10", resumed.Message())
	assert.Contains(t, h.runner.queued, id)

	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan = h.scan(t, id)
	assert.Equal(t, triage.StatusCompleted, scan.Status())
	assert.Equal(t, 1, h.findings.listCalls, "findings are fetched once per scan")
	calls := h.classifier.Calls()
	assert.Equal(t, "f5", calls[4], "resume continues at #5")
	assert.Len(t, calls, 10)
	assert.Len(t, h.analyses(t, id), 10)
}

func TestOrchestrator_ResumeMatchesUninterruptedRun(t *testing.T) {
	findings, files := tenFindings()
	verdicts := map[string]triage.Verdict{
		"f1": triage.VerdictFalsePositive, "f2": triage.VerdictTruePositive,
		"f5": triage.VerdictNeedsReview, "f7": triage.VerdictFalsePositive,
	}

	straight := newHarness(t, findings, files)
	straight.classifier.verdicts = verdicts
	sid := straight.start(t)
	require.NoError(t, straight.orchestrator.Run(context.Background(), sid))

	paused := newHarness(t, findings, files)
	paused.classifier.verdicts = verdicts
	var pid shared.ID
	paused.classifier.before = func(key string) {
		if key == "f6" {
			_, err := paused.service.PauseScan(context.Background(), pid.String())
			require.NoError(t, err)
		}
	}
	pid = paused.start(t)
	require.NoError(t, paused.orchestrator.Run(context.Background(), pid))
	paused.classifier.before = nil
	_, err := paused.service.ResumeScan(context.Background(), pid.String())
	require.NoError(t, err)
	require.NoError(t, paused.orchestrator.Run(context.Background(), pid))

	type outcome struct {
		Key     string
		Verdict triage.Verdict
	}
	collect := func(list []*triage.Analysis) []outcome {
		out := make([]outcome, 0, len(list))
		for _, a := range list {
			out = append(out, outcome{a.Finding().Key, a.Verdict()})
		}
		return out
	}

	assert.Equal(t, collect(straight.analyses(t, sid)), collect(paused.analyses(t, pid)))
	assert.Equal(t, straight.scan(t, sid).Counts(), paused.scan(t, pid).Counts())
}

func TestOrchestrator_StopIsIrreversible(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)

	var id shared.ID
	h.classifier.before = func(key string) {
		if key == "f2" {
			_, err := h.service.StopScan(context.Background(), id.String())
			require.NoError(t, err)
		}
	}

	id = h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusStopped, scan.Status())
	assert.Equal(t, 2, scan.Cursor())
	assert.Len(t, h.analyses(t, id), 2, "partial results are kept")

	_, err := h.service.ResumeScan(context.Background(), id.String())
	var te *triage.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, triage.StatusStopped, te.From)
	assert.Equal(t, triage.StatusStopped, h.scan(t, id).Status())
}

func TestOrchestrator_StopWhilePendingNeverRuns(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)

	id := h.start(t)
	_, err := h.service.StopScan(context.Background(), id.String())
	require.NoError(t, err)

	require.NoError(t, h.orchestrator.Run(context.Background(), id))
	assert.Equal(t, triage.StatusStopped, h.scan(t, id).Status())
	assert.Zero(t, h.findings.listCalls)
}

func TestOrchestrator_FatalErrors(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(h *harness)
		wantMessage string
	}{
		{
			name:        "findings source unavailable",
			mutate:      func(h *harness) { h.findings.listErr = errors.New("sonarqube: status 401") },
			wantMessage: "Failed to fetch findings from SonarQube: sonarqube: status 401",
		},
		{
			name: "missing required fields",
			mutate: func(h *harness) {
				s := validSettings()
				s.GitHubRepo = ""
				s.LLMModel = ""
				require.NoError(t, h.config.SetSettings(s))
				require.NoError(t, h.store.Configurations().Update(context.Background(), h.config))
			},
			wantMessage: "Missing required fields (not set in config or defaults): LLM Model, GitHub Repo",
		},
		{
			name: "ambiguous project name",
			mutate: func(h *harness) {
				s := validSettings()
				s.SonarQubeProjectKey = ""
				s.SonarQubeProjectName = "app"
				require.NoError(t, h.config.SetSettings(s))
				require.NoError(t, h.store.Configurations().Update(context.Background(), h.config))
				h.findings.resolveErr = sonarqube.ErrProjectAmbiguous
			},
			wantMessage: `SonarQube project name "app" matches several projects. Please set the project key.`,
		},
		{
			name: "unknown project name",
			mutate: func(h *harness) {
				s := validSettings()
				s.SonarQubeProjectKey = ""
				s.SonarQubeProjectName = "nope"
				require.NoError(t, h.config.SetSettings(s))
				require.NoError(t, h.store.Configurations().Update(context.Background(), h.config))
				h.findings.resolveErr = sonarqube.ErrProjectNotFound
			},
			wantMessage: messageProjectUnresolved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, files := tenFindings()
			h := newHarness(t, findings, files)
			tt.mutate(h)

			id := h.start(t)
			require.NoError(t, h.orchestrator.Run(context.Background(), id))

			scan := h.scan(t, id)
			assert.Equal(t, triage.StatusFailed, scan.Status())
			require.NotNil(t, scan.ErrorMessage())
			assert.Equal(t, tt.wantMessage, *scan.ErrorMessage())
			assert.Empty(t, h.classifier.Calls())
		})
	}
}

func TestOrchestrator_NoFindingsCompletes(t *testing.T) {
	h := newHarness(t, nil, nil)

	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusCompleted, scan.Status())
	assert.Equal(t, 100, scan.Progress())
	assert.Equal(t, messageNoFindings, scan.Message())
	assert.Zero(t, h.archiver.archived)
}

func TestOrchestrator_ProgressIsMonotonicAndMatchesCursor(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)

	var id shared.ID
	last := 0
	h.classifier.before = func(string) {
		scan := h.scan(t, id)
		assert.GreaterOrEqual(t, scan.Progress(), last)
		assert.LessOrEqual(t, scan.Counts().Processed(), scan.Counts().Total)
		assert.Equal(t, scan.Cursor(), scan.Counts().Processed())
		last = scan.Progress()
	}

	id = h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))
	assert.Equal(t, 100, h.scan(t, id).Progress())
}

func TestOrchestrator_CanceledContextLeavesScanRunning(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)

	ctx, cancel := context.WithCancel(context.Background())
	h.classifier.before = func(key string) {
		if key == "f3" {
			cancel()
		}
	}

	id := h.start(t)
	err := h.orchestrator.Run(ctx, id)
	require.ErrorIs(t, err, context.Canceled)

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusRunning, scan.Status())
	assert.Equal(t, 3, scan.Cursor(), "the in-flight finding still completes")

	// A later run picks up from the cursor.
	h.classifier.before = nil
	require.NoError(t, h.orchestrator.Run(context.Background(), id))
	assert.Equal(t, triage.StatusCompleted, h.scan(t, id).Status())
	assert.Len(t, h.analyses(t, id), 10)
}

func TestOrchestrator_DelayBetweenFindings(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings[:3], files)
	h.orchestrator.delay = time.Second

	var sleeps int
	h.orchestrator.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	id := h.start(t)
	require.NoError(t, h.orchestrator.Run(context.Background(), id))
	assert.Equal(t, 2, sleeps, "no delay after the last finding")
}

func TestOrchestrator_FindingListIsReadAndWrittenOncePerRun(t *testing.T) {
	findings, files := tenFindings()
	h := newHarness(t, findings, files)
	scans := &countingScans{ScanRepository: h.store.Scans()}
	orchestrator := NewScanOrchestrator(OrchestratorDeps{
		Scans:    scans,
		Analyses: h.store.Analyses(),
		Configs:  h.store.Configurations(),
		Defaults: h.store.Defaults(),
		Adapters: h.factory,
	}, logger.NewNop())

	id := h.start(t)
	require.NoError(t, orchestrator.Run(context.Background(), id))

	scan := h.scan(t, id)
	assert.Equal(t, triage.StatusCompleted, scan.Status())
	assert.Len(t, scan.Findings(), 10, "per-finding writes keep the frozen list")
	assert.Equal(t, 1, scans.freezes)
	assert.Equal(t, 1, scans.gets, "checkpoints read only the scan state")
}

func TestSourceSnippet(t *testing.T) {
	source := "package a\n\nfunc A() {}"

	t.Run("no source", func(t *testing.T) {
		assert.Nil(t, sourceSnippet("", nil))
	})

	t.Run("no line keeps the file", func(t *testing.T) {
		got := sourceSnippet(source, nil)
		require.NotNil(t, got)
		assert.Equal(t, source, *got)
	})

	t.Run("line in range", func(t *testing.T) {
		line := 3
		got := sourceSnippet(source, &line)
		require.NotNil(t, got)
		assert.Contains(t, *got, ">>>    3 | func A() {}")
	})

	t.Run("line past end of file falls back to the file head", func(t *testing.T) {
		line := 500
		got := sourceSnippet(source, &line)
		require.NotNil(t, got)
		assert.Equal(t, source, *got)
	})
}
