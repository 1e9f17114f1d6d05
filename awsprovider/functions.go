package awsprovider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/adrianmcphee/polybase"
)

const (
	functionsCollection = "_functions"
	maxLambdaTimeout    = 900
	lambdaWait          = 2 * time.Minute
)

// zipMagic prefixes every zip archive; such code is uploaded unchanged.
var zipMagic = []byte("PK\x03\x04")

// lambdaRuntimes maps runtimes onto Lambda runtime identifiers.
var lambdaRuntimes = map[string]types.Runtime{
	polybase.RuntimeGo:     types.RuntimeProvidedal2023,
	polybase.RuntimeNode:   types.RuntimeNodejs20x,
	polybase.RuntimePython: types.RuntimePython312,
}

// Functions deploys to AWS Lambda. Source is also kept in the storage bucket
// under functions/<name>/source and specs in the _functions collection, so
// exports return exactly what was deployed.
type Functions struct {
	client  *lambda.Client
	db      *Database
	storage *polybase.BlobStorage
	prefix  string
	roleARN string
	breaker *polybase.CircuitBreaker
	logger  polybase.Logger
	metrics polybase.Metrics
}

func newFunctions(client *lambda.Client, db *Database, storage *polybase.BlobStorage, prefix, roleARN string, cb *polybase.CircuitBreaker, logger polybase.Logger, metrics polybase.Metrics) *Functions {
	return &Functions{
		client:  client,
		db:      db,
		storage: storage,
		prefix:  prefix,
		roleARN: roleARN,
		breaker: cb,
		logger:  logger,
		metrics: metrics,
	}
}

func (f *Functions) Name() string                     { return "functions" }
func (f *Functions) Start(ctx context.Context) error  { return nil }
func (f *Functions) Stop(ctx context.Context) error   { return nil }
func (f *Functions) Health(ctx context.Context) error { return nil }

func (f *Functions) lambdaName(name string) string { return f.prefix + name }

func sourcePath(name string) string { return polybase.ReservedPrefix + "functions/" + name + "/source" }

// entryFile is the file name the Lambda runtime loads for handler.
func entryFile(runtime, handler string) string {
	switch runtime {
	case polybase.RuntimeGo:
		return "bootstrap"
	case polybase.RuntimePython:
		module, _, _ := strings.Cut(handler, ".")
		return module + ".py"
	default:
		module, _, _ := strings.Cut(handler, ".")
		return module + ".js"
	}
}

// packageCode wraps a single source file in a zip archive.
func packageCode(runtime, handler string, code []byte) ([]byte, error) {
	if bytes.HasPrefix(code, zipMagic) {
		return code, nil
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{Name: entryFile(runtime, handler), Method: zip.Deflate}
	hdr.SetMode(0755)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(code); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lambdaTimeout converts to whole seconds within the Lambda limits.
func lambdaTimeout(d time.Duration) int32 {
	secs := int32((d + time.Second - 1) / time.Second)
	return max(1, min(secs, maxLambdaTimeout))
}

func specFields(s polybase.FunctionSpec) polybase.Fields {
	env := map[string]interface{}{}
	for k, v := range s.Environment {
		env[k] = v
	}
	return polybase.Fields{
		"name":        s.Name,
		"handler":     s.Handler,
		"runtime":     s.Runtime,
		"timeoutMs":   s.Timeout.Milliseconds(),
		"environment": env,
	}
}

func specFromDoc(doc polybase.Document) polybase.FunctionSpec {
	s := polybase.FunctionSpec{UpdatedAt: doc.UpdatedAt}
	s.Name, _ = doc.Fields["name"].(string)
	s.Handler, _ = doc.Fields["handler"].(string)
	s.Runtime, _ = doc.Fields["runtime"].(string)
	if ms, ok := doc.Fields["timeoutMs"].(float64); ok {
		s.Timeout = time.Duration(ms) * time.Millisecond
	}
	if env, ok := doc.Fields["environment"].(map[string]interface{}); ok && len(env) > 0 {
		s.Environment = make(map[string]string, len(env))
		for k, v := range env {
			s.Environment[k], _ = v.(string)
		}
	}
	return s
}

func (f *Functions) Deploy(ctx context.Context, spec polybase.FunctionSpec, code []byte) (polybase.FunctionSpec, error) {
	if err := spec.Validate(); err != nil {
		return polybase.FunctionSpec{}, err
	}
	if spec.Runtime == "" {
		spec.Runtime = polybase.RuntimeGo
	}
	runtime, ok := lambdaRuntimes[spec.Runtime]
	if !ok {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrUnsupported, map[string]interface{}{
			"runtime":  spec.Runtime,
			"provider": polybase.ProviderAWS,
		})
	}
	if len(code) == 0 {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  "code",
			"value":  spec.Name,
			"reason": "lambda functions need code",
		})
	}
	if f.roleARN == "" {
		return polybase.FunctionSpec{}, polybase.WithContext(polybase.ErrInvalidConfig, map[string]interface{}{
			"field":  polybase.OptLambdaRoleARN,
			"reason": "an execution role is required to deploy",
		})
	}
	archive, err := packageCode(spec.Runtime, spec.Handler, code)
	if err != nil {
		return polybase.FunctionSpec{}, fmt.Errorf("%w: %w", polybase.ErrInvalidData, err)
	}

	name := f.lambdaName(spec.Name)
	handler := spec.Handler
	if spec.Runtime == polybase.RuntimeGo {
		handler = "bootstrap"
	}
	env := &types.Environment{Variables: spec.Environment}
	timeout := aws.Int32(lambdaTimeout(spec.EffectiveTimeout()))

	err = call(ctx, f.breaker, "lambda.deploy", nil, func(ctx context.Context) error {
		_, err := f.client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)})
		if polybase.IsNotFound(mapError(err, nil, nil)) {
			if _, err := f.client.CreateFunction(ctx, &lambda.CreateFunctionInput{
				FunctionName: aws.String(name),
				Role:         aws.String(f.roleARN),
				Runtime:      runtime,
				Handler:      aws.String(handler),
				Code:         &types.FunctionCode{ZipFile: archive},
				Timeout:      timeout,
				Environment:  env,
			}); err != nil {
				return err
			}
			return lambda.NewFunctionActiveWaiter(f.client).Wait(ctx,
				&lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)}, lambdaWait)
		}
		if err != nil {
			return err
		}
		if _, err := f.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(name),
			ZipFile:      archive,
		}); err != nil {
			return err
		}
		updated := lambda.NewFunctionUpdatedWaiter(f.client)
		if err := updated.Wait(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)}, lambdaWait); err != nil {
			return err
		}
		if _, err := f.client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(name),
			Runtime:      runtime,
			Handler:      aws.String(handler),
			Timeout:      timeout,
			Environment:  env,
		}); err != nil {
			return err
		}
		return updated.Wait(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)}, lambdaWait)
	})
	if err != nil {
		return polybase.FunctionSpec{}, err
	}

	if _, err := f.storage.Upload(ctx, sourcePath(spec.Name), code, &polybase.BlobMetadata{ContentType: "application/octet-stream"}); err != nil {
		return polybase.FunctionSpec{}, err
	}
	spec.UpdatedAt = time.Now().UTC()
	if err := f.db.put(ctx, polybase.Document{
		ID:         spec.Name,
		Collection: functionsCollection,
		Fields:     specFields(spec),
		UpdatedAt:  spec.UpdatedAt,
	}); err != nil {
		return polybase.FunctionSpec{}, err
	}
	f.logger.Info("Function deployed", "function", spec.Name, "lambda", name, "runtime", runtime)
	return spec, nil
}

func (f *Functions) spec(ctx context.Context, name string) (polybase.FunctionSpec, error) {
	doc, err := f.db.get(ctx, functionsCollection, name)
	if err != nil {
		return polybase.FunctionSpec{}, err
	}
	return specFromDoc(doc), nil
}

// lambdaError is the payload Lambda returns for a failed invocation.
type lambdaError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// invocationResult interprets an Invoke answer. Handlers may return a
// {"statusCode","body"} object; anything else is the body.
func invocationResult(status int32, functionError string, payload []byte) polybase.FunctionResult {
	if functionError != "" {
		var le lambdaError
		_ = json.Unmarshal(payload, &le)
		if le.ErrorMessage == "" {
			le.ErrorMessage = strings.TrimSpace(string(payload))
		}
		if le.ErrorType == "" {
			le.ErrorType = functionError
		}
		return polybase.FunctionResult{
			StatusCode: 500,
			Error:      &polybase.FunctionError{Message: le.ErrorMessage, Type: le.ErrorType},
		}
	}
	payload = bytes.TrimSpace(payload)
	var envelope struct {
		StatusCode int             `json:"statusCode"`
		Body       json.RawMessage `json:"body"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &envelope) == nil && envelope.StatusCode != 0 {
		res := polybase.FunctionResult{StatusCode: envelope.StatusCode, Body: envelope.Body}
		if envelope.StatusCode >= 400 {
			res.Error = &polybase.FunctionError{Message: string(envelope.Body), Type: "HTTPError"}
		}
		return res
	}
	res := polybase.FunctionResult{StatusCode: int(status)}
	if res.StatusCode == 0 {
		res.StatusCode = 200
	}
	if len(payload) > 0 && string(payload) != "null" {
		res.Body = payload
	}
	return res
}

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

	start := time.Now()
	var out *lambda.InvokeOutput
	err = call(ctx, f.breaker, "lambda.invoke", nil, func(ctx context.Context) error {
		var err error
		out, err = f.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName: aws.String(f.lambdaName(name)),
			Payload:      payload,
		})
		return err
	})
	var res polybase.FunctionResult
	if err == nil {
		res = invocationResult(out.StatusCode, aws.ToString(out.FunctionError), out.Payload)
	}
	res.Duration = time.Since(start)

	f.metrics.Increment(polybase.MetricFunctionInvocations, "function", name)
	f.metrics.Timing(polybase.MetricFunctionDuration, res.Duration, "function", name)
	if err != nil || !res.Succeeded() {
		f.metrics.Increment(polybase.MetricFunctionFailures, "function", name)
	}
	return res, err
}

func (f *Functions) List(ctx context.Context) ([]polybase.FunctionSpec, error) {
	docs, err := f.db.query(ctx, functionsCollection, nil)
	if err != nil {
		return nil, err
	}
	out := make([]polybase.FunctionSpec, 0, len(docs))
	for _, d := range docs {
		out = append(out, specFromDoc(d))
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

func (f *Functions) Remove(ctx context.Context, name string) error {
	if _, err := f.spec(ctx, name); err != nil {
		return err
	}
	err := call(ctx, f.breaker, "lambda.remove", nil, func(ctx context.Context) error {
		_, err := f.client.DeleteFunction(ctx, &lambda.DeleteFunctionInput{FunctionName: aws.String(f.lambdaName(name))})
		return err
	})
	if err != nil && !polybase.IsNotFound(err) {
		return err
	}
	if err := f.storage.Delete(ctx, sourcePath(name)); err != nil && !polybase.IsNotFound(err) {
		return err
	}
	return f.db.remove(ctx, functionsCollection, name)
}

var (
	_ polybase.FunctionsProvider = (*Functions)(nil)
	_ polybase.Component         = (*Functions)(nil)
)
