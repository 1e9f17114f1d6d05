package polybase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// MigrationStep moves one resource kind. EstimatedCount is nil when the source
// could not be inspected.
type MigrationStep struct {
	Index          int          `json:"index"`
	Kind           ResourceKind `json:"kind"`
	Description    string       `json:"description"`
	EstimatedCount *int         `json:"estimatedCount,omitempty"`
	RollbackNote   string       `json:"rollbackNote"`
}

// MigrationPlan is an ordered, immutable description of a provider switch.
type MigrationPlan struct {
	ProjectID  string          `json:"projectId"`
	SourceType ProviderType    `json:"sourceType"`
	TargetType ProviderType    `json:"targetType"`
	Steps      []MigrationStep `json:"steps"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// MigrationResult reports how far execution got. FailedStep is -1 when every
// step from StartAt onward completed.
type MigrationResult struct {
	Completed  []ResourceKind       `json:"completed"`
	Items      map[ResourceKind]int `json:"items"`
	Notes      []string             `json:"notes,omitempty"`
	FailedStep int                  `json:"failedStep"`
	FailedKind ResourceKind         `json:"failedKind,omitempty"`
	Err        error                `json:"-"`
}

// ExecuteOptions tunes plan execution.
type ExecuteOptions struct {
	// StartAt skips steps with a lower index, for resuming a halted migration.
	StartAt int
	// Transforms rewrite document fields on the way into the target.
	Transforms *TransformSet
	// Source and Target bypass the registry when set.
	Source Provider
	Target Provider
}

var stepDescriptions = map[ResourceKind]string{
	KindAuth:          "Export users and import them into the target identity store",
	KindDatabase:      "Copy every collection's documents, preserving ids and timestamps",
	KindStorage:       "Copy every blob with its content type",
	KindRealtime:      "Verify the target realtime channels are reachable",
	KindNotifications: "Verify the target notification service is reachable",
	KindFunctions:     "Redeploy every function by name on the target",
	KindDeployment:    "Republish the latest version of every static deployment",
}

var rollbackNotes = map[ResourceKind]string{
	KindAuth:          "Delete imported users from the target; source users are untouched",
	KindDatabase:      "Drop the copied collections on the target; source documents are untouched",
	KindStorage:       "Delete copied blobs on the target; source blobs are untouched",
	KindRealtime:      "No data is moved; point clients back at the source channels",
	KindNotifications: "No data is moved; devices must re-register with the source",
	KindFunctions:     "Remove redeployed functions on the target",
	KindDeployment:    "Delete the republished deployment versions on the target",
}

// MigrationService plans and executes provider switches through a Registry.
type MigrationService struct {
	registry *Registry
	logger   Logger
	metrics  Metrics
	locker   Locker
	lockTTL  time.Duration
	now      func() time.Time
}

// MigrationOption configures a MigrationService.
type MigrationOption func(*MigrationService)

// WithMigrationLogger sets the logger.
func WithMigrationLogger(l Logger) MigrationOption {
	return func(s *MigrationService) { s.logger = orNoOp(l) }
}

// WithMigrationMetrics sets the metrics sink.
func WithMigrationMetrics(m Metrics) MigrationOption {
	return func(s *MigrationService) { s.metrics = orNoOpMetrics(m) }
}

// WithMigrationLocker sets the lock that keeps one migration per project in
// flight. The default only covers the current process.
func WithMigrationLocker(l Locker, ttl time.Duration) MigrationOption {
	return func(s *MigrationService) {
		if l != nil {
			s.locker = l
		}
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// NewMigrationService creates a service over reg.
func NewMigrationService(reg *Registry, opts ...MigrationOption) *MigrationService {
	s := &MigrationService{
		registry: reg,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		locker:   NewLocalLocker(),
		lockTTL:  DefaultMigrationLockTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateMigrationPlan builds one step per resource kind both types support, in KindOrder.
// Counts are estimated from the live source provider when it can be obtained.
func (s *MigrationService) CreateMigrationPlan(ctx context.Context, projectID string, source, target ProviderType) (MigrationPlan, error) {
	if projectID == "" {
		return MigrationPlan{}, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "projectId",
			"reason": "project id is required",
		})
	}
	srcCaps, err := CapabilitiesOf(source)
	if err != nil {
		return MigrationPlan{}, err
	}
	tgtCaps, err := CapabilitiesOf(target)
	if err != nil {
		return MigrationPlan{}, err
	}
	if source == target {
		return MigrationPlan{}, WithContext(ErrInvalidConfig, map[string]interface{}{
			"source": source,
			"target": target,
			"reason": "source and target provider types are the same",
		})
	}

	plan := MigrationPlan{
		ProjectID:  projectID,
		SourceType: source,
		TargetType: target,
		CreatedAt:  s.now(),
	}
	for i, kind := range SharedKinds(srcCaps, tgtCaps) {
		plan.Steps = append(plan.Steps, MigrationStep{
			Index:        i,
			Kind:         kind,
			Description:  stepDescriptions[kind],
			RollbackNote: rollbackNotes[kind],
		})
	}

	if src, err := s.provider(ctx, nil, projectID, source); err == nil {
		for i := range plan.Steps {
			if n, ok := estimate(ctx, src, plan.Steps[i].Kind); ok {
				plan.Steps[i].EstimatedCount = &n
			}
		}
	} else {
		s.logger.Debug("Source provider unavailable, plan has no estimates",
			"project", projectID, "source", source, "error", err)
	}
	return plan, nil
}

func estimate(ctx context.Context, p Provider, kind ResourceKind) (int, bool) {
	switch kind {
	case KindAuth:
		if p.Auth() == nil {
			return 0, false
		}
		users, err := p.Auth().ListUsers(ctx)
		return len(users), err == nil
	case KindDatabase:
		db := p.Database()
		if db == nil {
			return 0, false
		}
		cols, err := db.Collections(ctx)
		if err != nil {
			return 0, false
		}
		total := 0
		for _, c := range cols {
			res, err := db.List(ctx, c, ListOptions{Limit: 1})
			if err != nil {
				return 0, false
			}
			total += res.Count
		}
		return total, true
	case KindStorage:
		if p.Storage() == nil {
			return 0, false
		}
		blobs, err := p.Storage().List(ctx, "")
		return len(blobs), err == nil
	case KindRealtime:
		if p.Realtime() == nil {
			return 0, false
		}
		chans, err := p.Realtime().Channels(ctx)
		return len(chans), err == nil
	case KindFunctions:
		if p.Functions() == nil {
			return 0, false
		}
		fns, err := p.Functions().List(ctx)
		return len(fns), err == nil
	case KindDeployment:
		if p.Deployment() == nil {
			return 0, false
		}
		deps, err := p.Deployment().List(ctx)
		if err != nil {
			return 0, false
		}
		return len(latestDeployments(deps)), true
	}
	return 0, false
}

// ExecuteMigrationPlan runs the plan's steps strictly in order and halts at the first failure.
//
// Completed steps are not undone. Every step is idempotent, so a halted migration can be
// resumed with opts.StartAt set to the failed step. Cancellation of ctx is observed between
// steps only; a running step finishes on a detached context.
func (s *MigrationService) ExecuteMigrationPlan(ctx context.Context, plan MigrationPlan, opts ExecuteOptions) (MigrationResult, error) {
	res := MigrationResult{Items: make(map[ResourceKind]int), FailedStep: -1}
	log := With(s.logger, "project", plan.ProjectID, "source", plan.SourceType, "target", plan.TargetType)

	fail := func(step MigrationStep, err error) (MigrationResult, error) {
		res.FailedStep = step.Index
		res.FailedKind = step.Kind
		res.Err = &StepError{Index: step.Index, Kind: step.Kind, Err: err}
		s.metrics.Increment(MetricMigrationStepErrors, "kind", string(step.Kind))
		log.Error("Migration halted", "step", step.Index, "kind", step.Kind, "error", err)
		return res, res.Err
	}

	if opts.StartAt < 0 || opts.StartAt > len(plan.Steps) {
		return res, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field": "StartAt",
			"value": opts.StartAt,
			"steps": len(plan.Steps),
		})
	}

	release, err := s.locker.Lock(ctx, "migration:"+plan.ProjectID, s.lockTTL)
	if err != nil {
		log.Warn("Migration already running", "error", err)
		return res, err
	}
	defer release()

	var src, tgt Provider
	for _, step := range plan.Steps[opts.StartAt:] {
		if err := ctx.Err(); err != nil {
			return fail(step, err)
		}

		if src == nil || tgt == nil {
			var err error
			if src, err = s.provider(ctx, opts.Source, plan.ProjectID, plan.SourceType); err != nil {
				return fail(step, err)
			}
			if tgt, err = s.provider(ctx, opts.Target, plan.ProjectID, plan.TargetType); err != nil {
				tgt = nil
				return fail(step, err)
			}
		}

		start := time.Now()
		log.Info("Running migration step", "step", step.Index, "kind", step.Kind)

		stepCtx := context.WithoutCancel(ctx)
		tgtCaps, _ := CapabilitiesOf(plan.TargetType)
		n, notes, err := s.runStep(stepCtx, step.Kind, src, tgt, tgtCaps, opts.Transforms)
		res.Notes = append(res.Notes, notes...)
		if err != nil {
			return fail(step, err)
		}

		res.Completed = append(res.Completed, step.Kind)
		res.Items[step.Kind] = n
		s.metrics.Increment(MetricMigrationSteps, "kind", string(step.Kind))
		s.metrics.Histogram(MetricMigrationItems, float64(n), "kind", string(step.Kind))
		s.metrics.Timing(MetricMigrationDuration, time.Since(start), "kind", string(step.Kind))
		log.Info("Migration step complete", "step", step.Index, "kind", step.Kind, "items", n)
	}
	return res, nil
}

func (s *MigrationService) provider(ctx context.Context, explicit Provider, projectID string, t ProviderType) (Provider, error) {
	if explicit != nil {
		return explicit, nil
	}
	if s.registry == nil {
		return nil, WithContext(ErrNotInitialized, map[string]interface{}{
			"reason": "migration service has no registry",
		})
	}
	cfg, err := s.registry.Resolver().ResolveFor(projectID, t)
	if err != nil {
		return nil, err
	}
	return s.registry.GetProvider(ctx, cfg)
}

func (s *MigrationService) runStep(ctx context.Context, kind ResourceKind, src, tgt Provider, tgtCaps Capabilities, ts *TransformSet) (int, []string, error) {
	switch kind {
	case KindAuth:
		return migrateAuth(ctx, src, tgt)
	case KindDatabase:
		return migrateDatabase(ctx, src, tgt, tgtCaps, ts)
	case KindStorage:
		return migrateStorage(ctx, src, tgt)
	case KindRealtime:
		return verifyRealtime(ctx, src, tgt)
	case KindNotifications:
		return verifyNotifications(src, tgt)
	case KindFunctions:
		return migrateFunctions(ctx, src, tgt)
	case KindDeployment:
		return migrateDeployments(ctx, src, tgt)
	}
	return 0, nil, WithContext(ErrUnsupported, map[string]interface{}{"kind": kind})
}

func unsupported(kind ResourceKind, p Provider) error {
	return WithContext(ErrUnsupported, map[string]interface{}{
		"kind":     kind,
		"provider": p.Type(),
	})
}

func migrateAuth(ctx context.Context, src, tgt Provider) (int, []string, error) {
	if src.Auth() == nil {
		return 0, nil, unsupported(KindAuth, src)
	}
	if tgt.Auth() == nil {
		return 0, nil, unsupported(KindAuth, tgt)
	}
	users, err := src.Auth().ListUsers(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("export users: %w", err)
	}
	out, err := tgt.Auth().ImportUsers(ctx, users)
	if err != nil {
		return 0, nil, fmt.Errorf("import users: %w", err)
	}
	notes := append([]string(nil), out.Notes...)
	if out.Skipped > 0 {
		notes = append(notes, fmt.Sprintf("auth: %d users already existed on the target and were skipped", out.Skipped))
	}
	return out.Imported, notes, nil
}

func migrateDatabase(ctx context.Context, src, tgt Provider, tgtCaps Capabilities, ts *TransformSet) (int, []string, error) {
	from, to := src.Database(), tgt.Database()
	if from == nil {
		return 0, nil, unsupported(KindDatabase, src)
	}
	if to == nil {
		return 0, nil, unsupported(KindDatabase, tgt)
	}
	cols, err := from.Collections(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list collections: %w", err)
	}

	var notes []string
	escaped := make(map[string]bool)
	total := 0
	for _, col := range cols {
		cursor := ""
		for {
			page, err := from.List(ctx, col, ListOptions{Limit: DefaultListPageSize, Cursor: cursor})
			if err != nil {
				return total, notes, fmt.Errorf("export %s: %w", col, err)
			}
			for _, doc := range page.Documents {
				fields, err := ts.Apply(col, doc.Fields)
				if err != nil {
					return total, notes, err
				}
				fields, renamed := EscapeReserved(fields, tgtCaps)
				for _, f := range renamed {
					key := col + "." + f
					if !escaped[key] {
						escaped[key] = true
						notes = append(notes, fmt.Sprintf("database: %s.%s renamed to %s%s (reserved on %s)",
							col, f, ReservedFieldPrefix, f, tgtCaps.Type))
					}
				}
				doc.Fields = fields
				doc.Collection = col
				if err := to.Upsert(ctx, doc); err != nil {
					return total, notes, fmt.Errorf("import %s/%s: %w", col, doc.ID, err)
				}
				total++
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
	}
	return total, notes, nil
}

func migrateStorage(ctx context.Context, src, tgt Provider) (int, []string, error) {
	from, to := src.Storage(), tgt.Storage()
	if from == nil {
		return 0, nil, unsupported(KindStorage, src)
	}
	if to == nil {
		return 0, nil, unsupported(KindStorage, tgt)
	}
	blobs, err := from.List(ctx, "")
	if err != nil {
		return 0, nil, fmt.Errorf("list blobs: %w", err)
	}
	for i, b := range blobs {
		data, err := from.Download(ctx, b.Path)
		if err != nil {
			return i, nil, fmt.Errorf("download %s: %w", b.Path, err)
		}
		if _, err := to.Upload(ctx, b.Path, data, &BlobMetadata{ContentType: b.ContentType}); err != nil {
			return i, nil, fmt.Errorf("upload %s: %w", b.Path, err)
		}
	}
	return len(blobs), nil, nil
}

func verifyRealtime(ctx context.Context, src, tgt Provider) (int, []string, error) {
	if src.Realtime() == nil {
		return 0, nil, unsupported(KindRealtime, src)
	}
	if tgt.Realtime() == nil {
		return 0, nil, unsupported(KindRealtime, tgt)
	}
	chans, err := src.Realtime().Channels(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list source channels: %w", err)
	}
	if _, err := tgt.Realtime().Channels(ctx); err != nil {
		return 0, nil, fmt.Errorf("reach target realtime: %w", err)
	}
	var notes []string
	if len(chans) > 0 {
		notes = append(notes, fmt.Sprintf("realtime: %d active channels; subscribers must reconnect to the target", len(chans)))
	}
	return len(chans), notes, nil
}

func verifyNotifications(src, tgt Provider) (int, []string, error) {
	if src.Notifications() == nil {
		return 0, nil, unsupported(KindNotifications, src)
	}
	if tgt.Notifications() == nil {
		return 0, nil, unsupported(KindNotifications, tgt)
	}
	return 0, []string{"notifications: device tokens and topic subscriptions must be re-registered on the target"}, nil
}

func migrateFunctions(ctx context.Context, src, tgt Provider) (int, []string, error) {
	from, to := src.Functions(), tgt.Functions()
	if from == nil {
		return 0, nil, unsupported(KindFunctions, src)
	}
	if to == nil {
		return 0, nil, unsupported(KindFunctions, tgt)
	}
	specs, err := from.List(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list functions: %w", err)
	}
	var notes []string
	deployed := 0
	for _, spec := range specs {
		exported, code, err := from.Export(ctx, spec.Name)
		if err != nil {
			return deployed, notes, fmt.Errorf("export %s: %w", spec.Name, err)
		}
		if _, err := to.Deploy(ctx, exported, code); err != nil {
			if errors.Is(err, ErrUnsupported) {
				notes = append(notes, fmt.Sprintf("functions: %s uses runtime %q which %s cannot run; redeploy manually",
					spec.Name, exported.Runtime, tgt.Type()))
				continue
			}
			return deployed, notes, fmt.Errorf("deploy %s: %w", spec.Name, err)
		}
		deployed++
	}
	return deployed, notes, nil
}

func migrateDeployments(ctx context.Context, src, tgt Provider) (int, []string, error) {
	from, to := src.Deployment(), tgt.Deployment()
	if from == nil {
		return 0, nil, unsupported(KindDeployment, src)
	}
	if to == nil {
		return 0, nil, unsupported(KindDeployment, tgt)
	}
	deps, err := from.List(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list deployments: %w", err)
	}
	existing, err := to.List(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list target deployments: %w", err)
	}
	current := make(map[string]Deployment)
	for _, d := range latestDeployments(existing) {
		current[d.Name] = d
	}

	var notes []string
	published := 0
	for _, d := range latestDeployments(deps) {
		files, err := from.Files(ctx, d.ID)
		if err != nil {
			return published, notes, fmt.Errorf("read deployment %s: %w", d.ID, err)
		}
		// A re-run step finds the bundle already live and leaves the version alone.
		if cur, ok := current[d.Name]; ok {
			live, err := to.Files(ctx, cur.ID)
			if err != nil {
				return published, notes, fmt.Errorf("read target deployment %s: %w", cur.ID, err)
			}
			if sameFiles(live, files) {
				notes = append(notes, fmt.Sprintf("deployment: %s already live as version %d", d.Name, cur.Version))
				continue
			}
		}
		if _, err := to.Deploy(ctx, DeploymentSpec{Name: d.Name, Files: files}); err != nil {
			return published, notes, fmt.Errorf("publish %s: %w", d.Name, err)
		}
		published++
	}
	return published, notes, nil
}

func sameFiles(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for name, data := range a {
		other, ok := b[name]
		if !ok || !bytes.Equal(data, other) {
			return false
		}
	}
	return true
}

// latestDeployments keeps the highest version per name, sorted by name.
func latestDeployments(deps []Deployment) []Deployment {
	byName := make(map[string]Deployment)
	for _, d := range deps {
		if cur, ok := byName[d.Name]; !ok || d.Version > cur.Version {
			byName[d.Name] = d
		}
	}
	out := make([]Deployment, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
