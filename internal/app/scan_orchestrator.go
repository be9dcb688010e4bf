package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openctemio/sast-triage/internal/infra/scm"
	"github.com/openctemio/sast-triage/internal/infra/sonarqube"
	"github.com/openctemio/sast-triage/internal/metrics"
	"github.com/openctemio/sast-triage/pkg/domain/configuration"
	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

const (
	// DefaultFindingDelay spaces classifier calls within one scan.
	DefaultFindingDelay = 300 * time.Millisecond

	maxConflictRetries = 5

	messageNoFindings        = "No vulnerabilities or security hotspots found"
	messageProjectUnresolved = "Could not resolve SonarQube project. Please check the project key or name."
)

// ScanEventPublisher pushes scan state changes to live subscribers.
type ScanEventPublisher interface {
	PublishScan(ctx context.Context, scan *triage.Scan)
}

// Publishers fans scan events out to several publishers. Nil entries are skipped.
type Publishers []ScanEventPublisher

// PublishScan implements ScanEventPublisher.
func (p Publishers) PublishScan(ctx context.Context, scan *triage.Scan) {
	for _, pub := range p {
		if pub != nil {
			pub.PublishScan(ctx, scan)
		}
	}
}

// ScanArchiver exports the results of a completed scan.
type ScanArchiver interface {
	Archive(ctx context.Context, scan *triage.Scan, analyses []*triage.Analysis) error
}

// OrchestratorDeps are the collaborators of a ScanOrchestrator.
type OrchestratorDeps struct {
	Scans         triage.ScanRepository
	Analyses      triage.AnalysisRepository
	Configs       configuration.Repository
	Defaults      configuration.DefaultsRepository
	Adapters      AdapterFactory
	Events        ScanEventPublisher
	Archiver      ScanArchiver
	FindingDelay  time.Duration
	ArchiveOnDone bool
}

// ScanOrchestrator executes scans: it fetches and freezes findings, then classifies
// them one at a time, persisting after every finding and honoring pause and stop
// requests between findings.
type ScanOrchestrator struct {
	scans         triage.ScanRepository
	analyses      triage.AnalysisRepository
	configs       configuration.Repository
	defaults      configuration.DefaultsRepository
	adapters      AdapterFactory
	events        ScanEventPublisher
	archiver      ScanArchiver
	delay         time.Duration
	archiveOnDone bool
	tracer        trace.Tracer
	logger        *logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewScanOrchestrator creates an orchestrator.
func NewScanOrchestrator(deps OrchestratorDeps, log *logger.Logger) *ScanOrchestrator {
	return &ScanOrchestrator{
		scans:         deps.Scans,
		analyses:      deps.Analyses,
		configs:       deps.Configs,
		defaults:      deps.Defaults,
		adapters:      deps.Adapters,
		events:        deps.Events,
		archiver:      deps.Archiver,
		delay:         deps.FindingDelay,
		archiveOnDone: deps.ArchiveOnDone,
		tracer:        otel.Tracer("sast-triage/orchestrator"),
		logger:        log.With("component", "orchestrator"),
		sleep:         sleepContext,
	}
}

// Run executes scanID until it completes, fails, or halts on a pause or stop request.
// Running a paused or terminal scan is a no-op. A pending scan is started; a running
// scan continues from its persisted cursor.
//
// Run returns an error only for infrastructure problems (store unavailable, context
// canceled); scan-level failures are recorded on the scan.
func (o *ScanOrchestrator) Run(ctx context.Context, scanID shared.ID) error {
	ctx = context.WithValue(ctx, logger.ContextKeyScanID, scanID.String())
	log := o.logger.WithContext(ctx)

	ctx, span := o.tracer.Start(ctx, "scan.run", trace.WithAttributes(attribute.String("scan.id", scanID.String())))
	defer span.End()

	scan, err := o.scans.GetByID(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load scan: %w", err)
	}

	switch scan.Status() {
	case triage.StatusPending:
		scan, err = o.mutate(ctx, scan, (*triage.Scan).Start)
		var te *triage.TransitionError
		if errors.As(err, &te) {
			// Stopped while still queued.
			log.Info("scan no longer pending, skipping", "status", te.From)
			return nil
		}
		if err != nil {
			return o.spanError(span, err)
		}
		log.Info("scan started", "configuration_id", scan.ConfigurationID().String())
	case triage.StatusRunning:
		log.Info("scan continuing", "cursor", scan.Cursor(), "total", scan.Counts().Total)
	default:
		log.Debug("scan not runnable, skipping", "status", scan.Status())
		return nil
	}

	metrics.ScansInProgress.Inc()
	started := time.Now()
	defer func() {
		metrics.ScansInProgress.Dec()
		metrics.ScanRunDuration.WithLabelValues(string(scan.Status())).Observe(time.Since(started).Seconds())
	}()

	scan, err = o.execute(ctx, scan)
	if err != nil {
		return o.spanError(span, err)
	}

	span.SetAttributes(
		attribute.String("scan.status", string(scan.Status())),
		attribute.Int("scan.cursor", scan.Cursor()),
	)
	if scan.Status() != triage.StatusRunning {
		metrics.ScansTotal.WithLabelValues(string(scan.Status())).Inc()
	}
	log.Info("scan run finished",
		"status", scan.Status(),
		"processed", scan.Cursor(),
		"total", scan.Counts().Total,
	)
	return nil
}

func (o *ScanOrchestrator) execute(ctx context.Context, scan *triage.Scan) (*triage.Scan, error) {
	settings, adapters, reason, err := o.prepare(ctx, scan)
	if err != nil {
		return scan, err
	}
	if reason != "" {
		return o.fail(ctx, scan, reason)
	}

	if !scan.HasFrozenFindings() {
		scan, reason, err = o.freeze(ctx, scan, settings, adapters.Findings)
		if err != nil {
			return scan, err
		}
		if reason != "" {
			return o.fail(ctx, scan, reason)
		}
		if scan.Counts().Total == 0 {
			return o.complete(ctx, scan, messageNoFindings)
		}
	}

	scan, halted, err := o.process(ctx, scan, adapters)
	if err != nil || halted {
		return scan, err
	}

	// Requests that arrived during the last finding still win over completion.
	scan, halted, err = o.checkpoint(ctx, scan)
	if err != nil || halted {
		return scan, err
	}
	return o.complete(ctx, scan, "")
}

// prepare merges configuration and builds adapters. A non-empty reason is a
// configuration error that fails the scan before anything is fetched; an error
// means the stores could not be read and the run should be retried.
func (o *ScanOrchestrator) prepare(ctx context.Context, scan *triage.Scan) (configuration.Settings, *TriageAdapters, string, error) {
	var none configuration.Settings

	cfg, err := o.configs.GetByID(ctx, scan.ConfigurationID())
	if shared.IsNotFound(err) {
		return none, nil, "Configuration not found", nil
	}
	if err != nil {
		return none, nil, "", fmt.Errorf("load configuration: %w", err)
	}
	defaults, err := o.defaults.Get(ctx)
	if err != nil {
		return none, nil, "", fmt.Errorf("load defaults: %w", err)
	}

	merged := configuration.MergeForScan(cfg, defaults)
	if err := merged.Validate(); err != nil {
		var de *shared.DomainError
		if errors.As(err, &de) {
			return none, nil, de.Message, nil
		}
		return none, nil, err.Error(), nil
	}

	settings := merged.Settings()
	adapters, err := o.adapters.ForScan(ctx, scan.ID(), settings)
	if err != nil {
		return none, nil, fmt.Sprintf("Invalid configuration: %v", err), nil
	}
	return settings, adapters, "", nil
}

// freeze resolves the project, fetches findings and persists the grouped list.
func (o *ScanOrchestrator) freeze(ctx context.Context, scan *triage.Scan, s configuration.Settings, source FindingSource) (*triage.Scan, string, error) {
	ctx, span := o.tracer.Start(ctx, "scan.fetch_findings")
	defer span.End()

	projectKey := s.SonarQubeProjectKey
	if projectKey == "" {
		key, err := source.ResolveProject(ctx, s.SonarQubeProjectName)
		switch {
		case err == nil:
		case isContextErr(err):
			return scan, "", err
		case errors.Is(err, sonarqube.ErrProjectAmbiguous):
			return scan, fmt.Sprintf("SonarQube project name %q matches several projects. Please set the project key.", s.SonarQubeProjectName), nil
		case errors.Is(err, sonarqube.ErrProjectNotFound):
			return scan, messageProjectUnresolved, nil
		default:
			return scan, fmt.Sprintf("Failed to resolve SonarQube project: %v", err), nil
		}
		projectKey = key
	}
	span.SetAttributes(attribute.String("sonarqube.project", projectKey))

	findings, err := source.ListFindings(ctx, projectKey)
	if err != nil {
		if isContextErr(err) {
			return scan, "", err
		}
		span.RecordError(err)
		return scan, fmt.Sprintf("Failed to fetch findings from SonarQube: %v", err), nil
	}
	span.SetAttributes(attribute.Int("findings.count", len(findings)))

	scan, err = o.persist(ctx, scan, func(sc *triage.Scan) error {
		return sc.FreezeFindings(findings, projectKey)
	}, o.scans.Freeze)
	return scan, "", err
}

// process walks the frozen groups from the cursor. It reports halted when a
// pause or stop was honored.
func (o *ScanOrchestrator) process(ctx context.Context, scan *triage.Scan, adapters *TriageAdapters) (*triage.Scan, bool, error) {
	position := 0
	for _, group := range scan.Groups() {
		end := position + len(group.Findings)
		if end <= scan.Cursor() {
			position = end
			continue
		}

		var (
			source    string
			sourceErr error
			fetched   bool
		)

		for _, finding := range group.Findings {
			if position < scan.Cursor() {
				position++
				continue
			}

			var halted bool
			var err error
			scan, halted, err = o.checkpoint(ctx, scan)
			if err != nil || halted {
				return scan, halted, err
			}

			if !fetched {
				source, sourceErr = o.fetchSource(ctx, adapters.Source, group.FilePath)
				if isContextErr(sourceErr) {
					return scan, false, sourceErr
				}
				fetched = true
			}

			var analysis *triage.Analysis
			if sourceErr != nil {
				metrics.FindingFailures.WithLabelValues(metrics.StageRetrieval).Inc()
				analysis = triage.NewReviewAnalysis(scan.ID(), position, finding,
					fmt.Sprintf("Could not fetch source code: %v", sourceErr),
					fmt.Sprintf("The source file %s could not be retrieved from the code host, so the finding was not sent for analysis.\n\n%v", group.FilePath, sourceErr),
					"", nil, nil)
			} else {
				analysis, err = o.classify(ctx, scan.ID(), position, finding, source, adapters.Classifier)
				if err != nil {
					return scan, false, err
				}
			}

			scan, err = o.record(ctx, scan, analysis)
			if err != nil {
				return scan, false, err
			}
			metrics.FindingsAnalyzed.WithLabelValues(string(analysis.Verdict()), string(kindOf(finding))).Inc()
			o.publish(ctx, scan)

			position++
			if scan.Cursor() < scan.Counts().Total && o.delay > 0 {
				if err := o.sleep(ctx, o.delay); err != nil {
					return scan, false, err
				}
			}
		}
	}
	return scan, false, nil
}

func (o *ScanOrchestrator) fetchSource(ctx context.Context, r SourceRetriever, path string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "scan.fetch_source", trace.WithAttributes(attribute.String("file.path", path)))
	defer span.End()

	content, err := r.GetFile(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source retrieval failed")
		o.logger.WithContext(ctx).Warn("source retrieval failed", "path", path, "error", err)
		return "", err
	}
	return content, nil
}

// classify runs the classifier for one finding. Classifier failures become
// needs_human_review analyses; only context cancellation is returned as an error.
func (o *ScanOrchestrator) classify(ctx context.Context, scanID shared.ID, position int, f triage.Finding, source string, c Classifier) (*triage.Analysis, error) {
	ctx, span := o.tracer.Start(ctx, "scan.classify", trace.WithAttributes(
		attribute.String("finding.key", f.Key),
		attribute.Int("finding.position", position),
	))
	defer span.End()

	snippet := sourceSnippet(source, f.Line)

	started := time.Now()
	result, err := c.Classify(ctx, f, source)
	metrics.ClassificationDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		if isContextErr(err) && ctx.Err() != nil {
			return nil, err
		}
		span.RecordError(err)
		metrics.FindingFailures.WithLabelValues(metrics.StageClassification).Inc()
		o.logger.WithContext(ctx).Warn("classification failed", "finding_key", f.Key, "error", err)

		var ce *ClassificationError
		if errors.As(err, &ce) {
			var raw *string
			if ce.RawResponse != "" {
				raw = &ce.RawResponse
			}
			return triage.NewReviewAnalysis(scanID, position, f, ce.Reason(), ce.Explanation(), ce.Prompt, raw, snippet), nil
		}
		return triage.NewReviewAnalysis(scanID, position, f,
			fmt.Sprintf("Analysis error: %v", err), err.Error(), "", nil, snippet), nil
	}

	span.SetAttributes(attribute.String("triage.verdict", string(result.Verdict)))
	raw := result.RawResponse
	return triage.NewAnalysis(scanID, position, f, result.Classification, result.Prompt, &raw, snippet), nil
}

// checkpoint applies any pending control request. The full scan is reloaded
// only when another writer has changed it since the last write of this run.
func (o *ScanOrchestrator) checkpoint(ctx context.Context, scan *triage.Scan) (*triage.Scan, bool, error) {
	if err := ctx.Err(); err != nil {
		return scan, false, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		state, err := o.scans.State(ctx, scan.ID())
		if err != nil {
			return scan, false, fmt.Errorf("read scan state: %w", err)
		}
		fresh := scan
		if state.Version != scan.Version() {
			fresh, err = o.scans.GetByID(ctx, scan.ID())
			if err != nil {
				return scan, false, fmt.Errorf("reload scan: %w", err)
			}
		}
		if fresh.Status() != triage.StatusRunning {
			return fresh, true, nil
		}

		halted, err := fresh.HonorControl()
		if err != nil {
			return fresh, false, err
		}
		if !halted {
			return fresh, false, nil
		}

		err = o.scans.Update(ctx, fresh)
		if errors.Is(err, triage.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return scan, false, fmt.Errorf("persist control: %w", err)
		}
		o.logger.WithContext(ctx).Info("scan halted at checkpoint", "status", fresh.Status(), "cursor", fresh.Cursor())
		o.publish(ctx, fresh)
		return fresh, true, nil
	}
	return scan, false, triage.ErrConcurrentModification
}

// record advances the scan past analysis and stores both atomically.
func (o *ScanOrchestrator) record(ctx context.Context, scan *triage.Scan, analysis *triage.Analysis) (*triage.Scan, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if scan.Cursor() != analysis.Position() {
			return scan, fmt.Errorf("scan cursor %d does not match analysis position %d", scan.Cursor(), analysis.Position())
		}
		if err := scan.RecordOutcome(analysis.Verdict()); err != nil {
			return scan, err
		}

		err := o.scans.RecordAnalysis(ctx, scan, analysis)
		if err == nil {
			return scan, nil
		}
		if !errors.Is(err, triage.ErrConcurrentModification) {
			return scan, fmt.Errorf("record analysis: %w", err)
		}

		// A control request landed; reapply on top of it.
		fresh, err := o.scans.GetByID(ctx, scan.ID())
		if err != nil {
			return scan, fmt.Errorf("reload scan: %w", err)
		}
		scan = fresh
	}
	return scan, triage.ErrConcurrentModification
}

// mutate applies fn and persists, reapplying on a fresh copy after a conflict.
func (o *ScanOrchestrator) mutate(ctx context.Context, scan *triage.Scan, fn func(*triage.Scan) error) (*triage.Scan, error) {
	return o.persist(ctx, scan, fn, o.scans.Update)
}

func (o *ScanOrchestrator) persist(ctx context.Context, scan *triage.Scan, fn func(*triage.Scan) error, write func(context.Context, *triage.Scan) error) (*triage.Scan, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := fn(scan); err != nil {
			return scan, err
		}
		err := write(ctx, scan)
		if err == nil {
			o.publish(ctx, scan)
			return scan, nil
		}
		if !errors.Is(err, triage.ErrConcurrentModification) {
			return scan, fmt.Errorf("update scan: %w", err)
		}
		fresh, err := o.scans.GetByID(ctx, scan.ID())
		if err != nil {
			return scan, fmt.Errorf("reload scan: %w", err)
		}
		scan = fresh
	}
	return scan, triage.ErrConcurrentModification
}

func (o *ScanOrchestrator) fail(ctx context.Context, scan *triage.Scan, reason string) (*triage.Scan, error) {
	o.logger.WithContext(ctx).Warn("scan failed", "reason", reason)
	return o.mutate(ctx, scan, func(sc *triage.Scan) error {
		return sc.Fail(reason)
	})
}

func (o *ScanOrchestrator) complete(ctx context.Context, scan *triage.Scan, message string) (*triage.Scan, error) {
	scan, err := o.mutate(ctx, scan, func(sc *triage.Scan) error {
		if err := sc.Complete(); err != nil {
			return err
		}
		if message != "" {
			sc.SetMessage(message)
		}
		return nil
	})
	if err != nil {
		return scan, err
	}

	if o.archiveOnDone && o.archiver != nil && scan.Counts().Total > 0 {
		o.archive(ctx, scan)
	}
	return scan, nil
}

// archive is best effort; a failed export never changes the scan outcome.
func (o *ScanOrchestrator) archive(ctx context.Context, scan *triage.Scan) {
	analyses, err := o.analyses.ListByScan(ctx, scan.ID())
	if err == nil {
		err = o.archiver.Archive(ctx, scan, analyses)
	}
	if err != nil {
		o.logger.WithContext(ctx).Warn("scan archive failed", "error", err)
	}
}

func (o *ScanOrchestrator) publish(ctx context.Context, scan *triage.Scan) {
	if o.events != nil {
		o.events.PublishScan(ctx, scan)
	}
}

func (o *ScanOrchestrator) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func sourceSnippet(source string, line *int) *string {
	if source == "" {
		return nil
	}
	if line == nil {
		return &source
	}
	snippet := scm.CodeSnippet(source, *line, scm.DefaultContextLines)
	if snippet == "" {
		// Line outside the file: keep the file head, truncated on the analysis.
		return &source
	}
	return &snippet
}

func kindOf(f triage.Finding) triage.IssueKind {
	if f.Kind == "" {
		return triage.KindVulnerability
	}
	return f.Kind
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
