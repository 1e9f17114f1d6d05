package polybase_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrianmcphee/polybase"
	"github.com/adrianmcphee/polybase/local"
)

func newLocal(t *testing.T, project string) *local.Provider {
	t.Helper()
	dir := t.TempDir()
	p := local.New()
	err := p.Initialize(context.Background(), polybase.ProviderConfig{
		Type:      polybase.ProviderLocal,
		ProjectID: project,
		Options: map[string]string{
			polybase.OptDatabasePath:  filepath.Join(dir, "db"),
			polybase.OptStoragePath:   filepath.Join(dir, "storage"),
			polybase.OptFunctionsPath: filepath.Join(dir, "functions"),
			local.OptBcryptCost:       "4",
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

// seed gives src one user, two documents and one blob.
func seed(t *testing.T, src *local.Provider) {
	t.Helper()
	ctx := context.Background()
	if _, err := src.Auth().SignUp(ctx, "ada@example.com", "correct horse", "Ada"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Ada Lovelace", "Alan Turing"} {
		if _, err := src.Database().Create(ctx, "people", polybase.Fields{"name": name}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := src.Storage().Upload(ctx, "avatars/ada.png", []byte("\x89PNG\r\n\x1a\n"), nil); err != nil {
		t.Fatal(err)
	}
}

func plan(kinds ...polybase.ResourceKind) polybase.MigrationPlan {
	p := polybase.MigrationPlan{ProjectID: "app", SourceType: polybase.ProviderLocal, TargetType: polybase.ProviderLocal}
	for i, k := range kinds {
		p.Steps = append(p.Steps, polybase.MigrationStep{Index: i, Kind: k})
	}
	return p
}

func TestExecuteMigrationPlan_CopiesResources(t *testing.T) {
	src, tgt := newLocal(t, "src"), newLocal(t, "tgt")
	seed(t, src)
	metrics := polybase.NewInMemoryMetrics()
	svc := polybase.NewMigrationService(nil, polybase.WithMigrationMetrics(metrics))

	ts := polybase.NewTransformSet()
	ts.Collection("people").Split("name", " ", "first", "last")

	res, err := svc.ExecuteMigrationPlan(context.Background(),
		plan(polybase.KindAuth, polybase.KindDatabase, polybase.KindStorage),
		polybase.ExecuteOptions{Source: src, Target: tgt, Transforms: ts})
	if err != nil {
		t.Fatal(err)
	}
	if res.FailedStep != -1 || len(res.Completed) != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Items[polybase.KindAuth] != 1 || res.Items[polybase.KindDatabase] != 2 || res.Items[polybase.KindStorage] != 1 {
		t.Errorf("unexpected item counts %v", res.Items)
	}
	if metrics.Counter(polybase.MetricMigrationSteps) != 3 {
		t.Errorf("expected 3 step metrics, got %d", metrics.Counter(polybase.MetricMigrationSteps))
	}

	ctx := context.Background()
	people, err := tgt.Database().Query(ctx, "people", polybase.Where("last", polybase.OpEqual, "Turing"))
	if err != nil || len(people) != 1 || people[0].Fields["first"] != "Alan" {
		t.Fatalf("transformed documents missing on target: %+v, %v", people, err)
	}
	srcPeople, _ := src.Database().Query(ctx, "people", polybase.Where("last", polybase.OpEqual, "Turing"))
	if len(srcPeople) != 0 {
		t.Error("the source must be untouched")
	}
	blob, err := tgt.Storage().Download(ctx, "avatars/ada.png")
	if err != nil || string(blob) != "\x89PNG\r\n\x1a\n" {
		t.Errorf("blob not copied: %q, %v", blob, err)
	}
	if _, err := tgt.Auth().SignIn(ctx, "ada@example.com", "correct horse"); err != nil {
		t.Errorf("imported user should keep the password hash: %v", err)
	}
}

func TestExecuteMigrationPlan_HaltAndResume(t *testing.T) {
	src, tgt := newLocal(t, "src"), newLocal(t, "tgt")
	seed(t, src)
	svc := polybase.NewMigrationService(nil)
	p := plan(polybase.KindAuth, polybase.KindDatabase, polybase.KindStorage)

	failing := polybase.NewTransformSet()
	failing.Collection("people").Do(func(polybase.Fields) (polybase.Fields, error) {
		return nil, errors.New("unexpected shape")
	})
	res, err := svc.ExecuteMigrationPlan(context.Background(), p,
		polybase.ExecuteOptions{Source: src, Target: tgt, Transforms: failing})
	if !errors.Is(err, polybase.ErrMigrationStep) || !errors.Is(err, polybase.ErrInvalidData) {
		t.Fatalf("expected a step error wrapping the transform failure, got %v", err)
	}
	if res.FailedStep != 1 || res.FailedKind != polybase.KindDatabase || len(res.Completed) != 1 {
		t.Fatalf("unexpected halted result %+v", res)
	}

	res, err = svc.ExecuteMigrationPlan(context.Background(), p,
		polybase.ExecuteOptions{StartAt: res.FailedStep, Source: src, Target: tgt})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Completed) != 2 || res.Completed[0] != polybase.KindDatabase {
		t.Errorf("resume should start at the failed step, got %+v", res)
	}

	// Steps are idempotent: rerunning everything leaves one copy of each user.
	res, err = svc.ExecuteMigrationPlan(context.Background(), p, polybase.ExecuteOptions{Source: src, Target: tgt})
	if err != nil {
		t.Fatal(err)
	}
	users, _ := tgt.Auth().ListUsers(context.Background())
	if len(users) != 1 || res.Items[polybase.KindAuth] != 0 {
		t.Errorf("users duplicated on rerun: %d users, %d imported", len(users), res.Items[polybase.KindAuth])
	}
}

func TestExecuteMigrationPlan_InvalidStartAt(t *testing.T) {
	svc := polybase.NewMigrationService(nil)
	_, err := svc.ExecuteMigrationPlan(context.Background(), plan(polybase.KindDatabase), polybase.ExecuteOptions{StartAt: 5})
	if !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestExecuteMigrationPlan_LockHeld(t *testing.T) {
	locker := polybase.NewLocalLocker()
	release, err := locker.Lock(context.Background(), "migration:app", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	src, tgt := newLocal(t, "src"), newLocal(t, "tgt")
	svc := polybase.NewMigrationService(nil, polybase.WithMigrationLocker(locker, time.Minute))
	_, err = svc.ExecuteMigrationPlan(context.Background(), plan(polybase.KindDatabase),
		polybase.ExecuteOptions{Source: src, Target: tgt})
	if !errors.Is(err, polybase.ErrConflict) || polybase.ErrorCode(err) != "CONFLICT" {
		t.Errorf("expected a lock conflict, got %v", err)
	}
}

func TestExecuteMigrationPlan_CancelledBetweenSteps(t *testing.T) {
	src, tgt := newLocal(t, "src"), newLocal(t, "tgt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := polybase.NewMigrationService(nil).ExecuteMigrationPlan(ctx, plan(polybase.KindDatabase),
		polybase.ExecuteOptions{Source: src, Target: tgt})
	if !errors.Is(err, context.Canceled) || res.FailedStep != 0 {
		t.Errorf("expected cancellation at step 0, got %+v, %v", res, err)
	}
}

func TestCreateMigrationPlan(t *testing.T) {
	svc := polybase.NewMigrationService(nil)
	p, err := svc.CreateMigrationPlan(context.Background(), "app", polybase.ProviderFirebase, polybase.ProviderAWS)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Steps) != 6 || p.Steps[0].Kind != polybase.KindAuth || p.Steps[5].Kind != polybase.KindFunctions {
		t.Errorf("unexpected steps %+v", p.Steps)
	}
	if _, err := svc.CreateMigrationPlan(context.Background(), "app", polybase.ProviderAWS, polybase.ProviderAWS); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("same type must be rejected, got %v", err)
	}
	if _, err := svc.CreateMigrationPlan(context.Background(), "", polybase.ProviderLocal, polybase.ProviderAWS); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("missing project must be rejected, got %v", err)
	}
}

func TestExecuteMigrationPlan_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		kind  polybase.ResourceKind
		seed  func(t *testing.T, src *local.Provider)
		count func(t *testing.T, tgt *local.Provider) int
	}{
		{
			kind: polybase.KindAuth,
			seed: seed,
			count: func(t *testing.T, tgt *local.Provider) int {
				users, err := tgt.Auth().ListUsers(ctx)
				if err != nil {
					t.Fatal(err)
				}
				return len(users)
			},
		},
		{
			kind: polybase.KindDatabase,
			seed: seed,
			count: func(t *testing.T, tgt *local.Provider) int {
				res, err := tgt.Database().List(ctx, "people", polybase.ListOptions{})
				if err != nil {
					t.Fatal(err)
				}
				return res.Count
			},
		},
		{
			kind: polybase.KindStorage,
			seed: seed,
			count: func(t *testing.T, tgt *local.Provider) int {
				blobs, err := tgt.Storage().List(ctx, "")
				if err != nil {
					t.Fatal(err)
				}
				return len(blobs)
			},
		},
		{
			kind: polybase.KindFunctions,
			seed: func(t *testing.T, src *local.Provider) {
				spec := polybase.FunctionSpec{Name: "echo", Handler: "main", Runtime: polybase.RuntimeShell}
				if _, err := src.Functions().Deploy(ctx, spec, []byte("cat\n")); err != nil {
					t.Fatal(err)
				}
			},
			count: func(t *testing.T, tgt *local.Provider) int {
				specs, err := tgt.Functions().List(ctx)
				if err != nil {
					t.Fatal(err)
				}
				return len(specs)
			},
		},
		{
			kind: polybase.KindDeployment,
			seed: func(t *testing.T, src *local.Provider) {
				for _, body := range []string{"<h1>v1</h1>", "<h1>v2</h1>"} {
					spec := polybase.DeploymentSpec{Name: "site", Files: map[string][]byte{"index.html": []byte(body)}}
					if _, err := src.Deployment().Deploy(ctx, spec); err != nil {
						t.Fatal(err)
					}
				}
			},
			count: func(t *testing.T, tgt *local.Provider) int {
				deps, err := tgt.Deployment().List(ctx)
				if err != nil {
					t.Fatal(err)
				}
				return len(deps)
			},
		},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			src, tgt := newLocal(t, "src"), newLocal(t, "tgt")
			tc.seed(t, src)
			svc := polybase.NewMigrationService(nil)
			opts := polybase.ExecuteOptions{Source: src, Target: tgt}

			if _, err := svc.ExecuteMigrationPlan(ctx, plan(tc.kind), opts); err != nil {
				t.Fatalf("first run: %v", err)
			}
			first := tc.count(t, tgt)
			if first == 0 {
				t.Fatalf("first run copied nothing")
			}
			if _, err := svc.ExecuteMigrationPlan(ctx, plan(tc.kind), opts); err != nil {
				t.Fatalf("second run: %v", err)
			}
			if again := tc.count(t, tgt); again != first {
				t.Errorf("re-running %s changed the target from %d to %d items", tc.kind, first, again)
			}
		})
	}
}

func TestExecuteMigrationPlan_DeploymentRepublishesChanges(t *testing.T) {
	ctx := context.Background()
	src, tgt := newLocal(t, "src"), newLocal(t, "tgt")
	svc := polybase.NewMigrationService(nil)
	opts := polybase.ExecuteOptions{Source: src, Target: tgt}
	deploy := func(body string) {
		t.Helper()
		spec := polybase.DeploymentSpec{Name: "site", Files: map[string][]byte{"index.html": []byte(body)}}
		if _, err := src.Deployment().Deploy(ctx, spec); err != nil {
			t.Fatal(err)
		}
	}

	deploy("<h1>v1</h1>")
	if _, err := svc.ExecuteMigrationPlan(ctx, plan(polybase.KindDeployment), opts); err != nil {
		t.Fatal(err)
	}
	deploy("<h1>v2</h1>")
	res, err := svc.ExecuteMigrationPlan(ctx, plan(polybase.KindDeployment), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Items[polybase.KindDeployment] != 1 {
		t.Errorf("expected the changed bundle to be published, got %v", res.Items)
	}
	deps, err := tgt.Deployment().List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 2 || deps[1].Version != 2 {
		t.Fatalf("unexpected target deployments %+v", deps)
	}
	files, err := tgt.Deployment().Files(ctx, deps[1].ID)
	if err != nil || string(files["index.html"]) != "<h1>v2</h1>" {
		t.Errorf("target serves %q, %v", files["index.html"], err)
	}
}
