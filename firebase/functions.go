package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/idtoken"

	"github.com/adrianmcphee/polybase"
)

const (
	functionsCollection = "_functions"
	maxResponseBody     = 6 << 20
)

// functionRuntimes are the runtimes Cloud Functions builds from staged source.
var functionRuntimes = map[string]bool{
	polybase.RuntimeGo:     true,
	polybase.RuntimeNode:   true,
	polybase.RuntimePython: true,
}

// Functions stages function source in Cloud Storage under functions/<name>/source
// and records specs in the _functions collection. The build itself runs through
// the Firebase CLI or Cloud Build; Invoke calls the HTTPS trigger of the function.
type Functions struct {
	client  *firestore.Client
	storage *polybase.BlobStorage
	baseURL string
	breaker *polybase.CircuitBreaker
	logger  polybase.Logger
	metrics polybase.Metrics

	mu      sync.Mutex
	callers map[string]*http.Client
}

func newFunctions(client *firestore.Client, storage *polybase.BlobStorage, baseURL string, cb *polybase.CircuitBreaker, logger polybase.Logger, metrics polybase.Metrics) *Functions {
	return &Functions{
		client:  client,
		storage: storage,
		baseURL: strings.TrimRight(baseURL, "/"),
		breaker: cb,
		logger:  logger,
		metrics: metrics,
		callers: make(map[string]*http.Client),
	}
}

func (f *Functions) Name() string                     { return "functions" }
func (f *Functions) Start(ctx context.Context) error  { return nil }
func (f *Functions) Stop(ctx context.Context) error   { return nil }
func (f *Functions) Health(ctx context.Context) error { return nil }

func sourcePath(name string) string { return polybase.ReservedPrefix + "functions/" + name + "/source" }

// TriggerURL is the HTTPS endpoint of a deployed function.
func (f *Functions) TriggerURL(name string) string { return f.baseURL + "/" + name }

type functionRecord struct {
	Name        string            `firestore:"name"`
	Handler     string            `firestore:"handler"`
	Runtime     string            `firestore:"runtime"`
	TimeoutMS   int64             `firestore:"timeoutMs"`
	Environment map[string]string `firestore:"environment"`
	UpdatedAt   time.Time         `firestore:"updatedAt"`
}

func recordFromSpec(s polybase.FunctionSpec) functionRecord {
	return functionRecord{
		Name:        s.Name,
		Handler:     s.Handler,
		Runtime:     s.Runtime,
		TimeoutMS:   s.Timeout.Milliseconds(),
		Environment: s.Environment,
		UpdatedAt:   s.UpdatedAt,
	}
}

func (r functionRecord) spec() polybase.FunctionSpec {
	return polybase.FunctionSpec{
		Name:        r.Name,
		Handler:     r.Handler,
		Runtime:     r.Runtime,
		Timeout:     time.Duration(r.TimeoutMS) * time.Millisecond,
		Environment: r.Environment,
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func (f *Functions) Deploy(ctx context.Context, spec polybase.FunctionSpec, code []byte) (polybase.FunctionSpec, error) {
	if err := spec.Validate(); err != nil {
		return polybase.FunctionSpec{}, err
	}
	if strings.ContainsAny(spec.Name, `/\ `) {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field": "Name",
			"value": spec.Name,
		})
	}
	if spec.Runtime == "" {
		spec.Runtime = polybase.RuntimeGo
	}
	if !functionRuntimes[spec.Runtime] {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"runtime":  spec.Runtime,
			"provider": polybase.ProviderFirebase,
		})
	}
	if len(code) == 0 {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  "code",
			"value":  spec.Name,
			"reason": "cloud functions are built from source",
		})
	}
	spec.UpdatedAt = time.Now().UTC()

	if _, err := f.storage.Upload(ctx, sourcePath(spec.Name), code, &polybase.BlobMetadata{
		ContentType: "application/octet-stream",
		Custom:      map[string]string{"runtime": spec.Runtime, "handler": spec.Handler},
	}); err != nil {
		return polybase.FunctionSpec{}, err
	}
	err := call(ctx, f.breaker, "functions.deploy", func(ctx context.Context) error {
		_, err := f.client.Collection(functionsCollection).Doc(spec.Name).Set(ctx, recordFromSpec(spec))
		return err
	})
	if err != nil {
		return polybase.FunctionSpec{}, err
	}
	f.logger.Info("Function source staged", "function", spec.Name, "runtime", spec.Runtime, "url", f.TriggerURL(spec.Name))
	return spec, nil
}

func (f *Functions) spec(ctx context.Context, name string) (polybase.FunctionSpec, error) {
	var rec functionRecord
	err := call(ctx, f.breaker, "functions.get", func(ctx context.Context) error {
		snap, err := f.client.Collection(functionsCollection).Doc(name).Get(ctx)
		if err != nil {
			return err
		}
		return snap.DataTo(&rec)
	})
	if err != nil {
		return polybase.FunctionSpec{}, err
	}
	return rec.spec(), nil
}

// caller returns an ID-token client for url. Without service account credentials
// it falls back to an unauthenticated client, which reaches public functions only.
func (f *Functions) caller(ctx context.Context, url string) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.callers[url]; ok {
		return c
	}
	c := http.DefaultClient
	if strings.HasPrefix(url, "https://") {
		if ic, err := idtoken.NewClient(ctx, url); err == nil {
			c = ic
		} else {
			f.logger.Debug("Invoking without an ID token", "url", url, "error", err)
		}
	}
	f.callers[url] = c
	return c
}

// Invoke posts the event as JSON to the function. Non-2xx answers are failures
// inside the function and are reported in FunctionResult.Error.
func (f *Functions) Invoke(ctx context.Context, name string, event map[string]interface{}) (polybase.FunctionResult, error) {
	spec, err := f.spec(ctx, name)
	if err != nil {
		return polybase.FunctionResult{}, err
	}
	if event == nil {
		event = map[string]interface{}{}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return polybase.FunctionResult{}, fmt.Errorf("%w: %w", polybase.ErrInvalidData, err)
	}

	ctx, cancel := context.WithTimeout(ctx, spec.EffectiveTimeout())
	defer cancel()

	url := f.TriggerURL(name)
	start := time.Now()
	res, err := f.post(ctx, url, payload)
	res.Duration = time.Since(start)

	f.metrics.Increment(polybase.MetricFunctionInvocations, "function", name)
	f.metrics.Timing(polybase.MetricFunctionDuration, res.Duration, "function", name)
	if err != nil || !res.Succeeded() {
		f.metrics.Increment(polybase.MetricFunctionFailures, "function", name)
	}
	if err != nil {
		return res, mapError(err, map[string]interface{}{"function": name, "url": url})
	}
	return res, nil
}

func (f *Functions) post(ctx context.Context, url string, payload []byte) (polybase.FunctionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return polybase.FunctionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.caller(ctx, url).Do(req)
	if err != nil {
		return polybase.FunctionResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return polybase.FunctionResult{}, err
	}
	return functionResult(resp.StatusCode, body), nil
}

// functionResult turns an HTTP answer into a result. Non-JSON bodies are returned
// as a JSON string.
func functionResult(status int, body []byte) polybase.FunctionResult {
	body = bytes.TrimSpace(body)
	res := polybase.FunctionResult{StatusCode: status}
	if len(body) > 0 {
		if json.Valid(body) {
			res.Body = body
		} else {
			res.Body, _ = json.Marshal(string(body))
		}
	}
	if status >= 300 {
		msg := http.StatusText(status)
		if len(body) > 0 && len(body) <= 512 {
			msg = string(body)
		}
		res.Error = &polybase.FunctionError{Message: msg, Type: "HTTPError"}
	}
	return res
}

func (f *Functions) List(ctx context.Context) ([]polybase.FunctionSpec, error) {
	var out []polybase.FunctionSpec
	err := call(ctx, f.breaker, "functions.list", func(ctx context.Context) error {
		snaps, err := f.client.Collection(functionsCollection).Documents(ctx).GetAll()
		if err != nil {
			return err
		}
		out = out[:0]
		for _, s := range snaps {
			var rec functionRecord
			if err := s.DataTo(&rec); err != nil {
				f.logger.Warn("Skipping unreadable function", "function", s.Ref.ID, "error", err)
				continue
			}
			out = append(out, rec.spec())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Functions) Export(ctx context.Context, name string) (polybase.FunctionSpec, []byte, error) {
	spec, err := f.spec(ctx, name)
	if err != nil {
		return polybase.FunctionSpec{}, nil, err
	}
	code, err := f.storage.Download(ctx, sourcePath(name))
	if err != nil && !polybase.IsNotFound(err) {
		return polybase.FunctionSpec{}, nil, err
	}
	return spec, code, nil
}

// Remove deletes the record and staged source. The running function is removed
// with the next Firebase deploy.
func (f *Functions) Remove(ctx context.Context, name string) error {
	if _, err := f.spec(ctx, name); err != nil {
		return err
	}
	if err := f.storage.Delete(ctx, sourcePath(name)); err != nil && !polybase.IsNotFound(err) {
		return err
	}
	return call(ctx, f.breaker, "functions.remove", func(ctx context.Context) error {
		_, err := f.client.Collection(functionsCollection).Doc(name).Delete(ctx)
		return err
	})
}

var (
	_ polybase.FunctionsProvider = (*Functions)(nil)
	_ polybase.Component         = (*Functions)(nil)
)
