// Package polybase runs a project against interchangeable backends through one contract
// covering auth, documents, blobs, realtime messaging, functions, notifications and
// deployment, and moves projects between backends.
//
// # Overview
//
// A Provider bundles the sub-providers of one backend. Three implementations exist:
//
//   - local: embedded reference provider (polybase/local), the correctness baseline
//   - firebase: Firebase Auth, Firestore, Cloud Storage, FCM (polybase/firebase)
//   - aws: Cognito, DynamoDB, S3, Lambda, SNS, Redis pub/sub (polybase/awsprovider)
//
// Only the local provider offers strong multi-document transactions. The cloud providers
// declare theirs best-effort in Capabilities, which the advisor and migration planner read.
//
// # Quick Start
//
//	reg := polybase.NewRegistry(polybase.WithRegistryLogger(logger))
//	reg.Register(polybase.ProviderLocal, local.Factory(logger))
//	defer reg.ShutdownProviders(context.Background())
//
//	cfg, _ := reg.ProviderConfig("my-project")
//	p, err := reg.GetProvider(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	doc, err := p.Database().Create(ctx, "users", polybase.Fields{"name": "Alice", "age": 30})
//
//	adults, err := p.Database().Query(ctx, "users", polybase.Where("age", polybase.OpGreater, 25))
//
// # Registry
//
// The Registry caches one initialized Provider per (type, project). Concurrent first
// requests share a single initialization, and a provider is cached only after Initialize
// succeeded. ShutdownProviders tears everything down.
//
// # Transactions
//
//	err := p.Database().Transaction(ctx, func(tx polybase.Tx) error {
//	    id, err := tx.Create("orders", polybase.Fields{"total": 40})
//	    if err != nil {
//	        return err
//	    }
//	    return tx.Update("users", userID, polybase.Fields{"lastOrder": id})
//	})
//
// Returning an error or panicking discards every buffered write.
//
// # Migration
//
//	svc := polybase.NewMigrationService(reg)
//	plan, _ := svc.CreateMigrationPlan(ctx, "my-project", polybase.ProviderLocal, polybase.ProviderAWS)
//	res, err := svc.ExecuteMigrationPlan(ctx, plan, polybase.ExecuteOptions{})
//	if err != nil {
//	    // resume later from the failed step
//	    res, err = svc.ExecuteMigrationPlan(ctx, plan, polybase.ExecuteOptions{StartAt: res.FailedStep})
//	}
//
// Steps run strictly in order and halt on the first failure. Completed steps are never
// rolled back; every step is idempotent so resuming is safe.
//
// # Errors
//
// Operations return sentinel errors wrapped with context. Use errors.Is or the helpers:
//
//	if polybase.IsNotFound(err) { ... }
//	if polybase.IsRetryable(err) { ... } // ErrBackendUnavailable, ErrTimeout, ErrConflict
package polybase
