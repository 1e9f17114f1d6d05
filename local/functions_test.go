package local

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/adrianmcphee/polybase"
)

func withTestHandlers() Option {
	return func(p *Provider) {
		for name, h := range map[string]Handler{
			"test.echo": func(ctx context.Context, event map[string]interface{}) (Response, error) {
				return Response{StatusCode: 201, Body: event}, nil
			},
			"test.fail": func(ctx context.Context, event map[string]interface{}) (Response, error) {
				return Response{}, errors.New("handler exploded")
			},
			"test.panic": func(ctx context.Context, event map[string]interface{}) (Response, error) {
				panic("handler panicked")
			},
			"test.slow": func(ctx context.Context, event map[string]interface{}) (Response, error) {
				select {
				case <-ctx.Done():
					return Response{}, ctx.Err()
				case <-time.After(5 * time.Second):
					return Response{StatusCode: 200}, nil
				}
			},
		} {
			WithHandler(name, h)(p)
		}
	}
}

func TestFunctions_GoHandler(t *testing.T) {
	fns := newTestProvider(t, withTestHandlers()).Functions()
	ctx := context.Background()

	spec, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "echo", Handler: "test.echo"}, nil)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if spec.Runtime != polybase.RuntimeGo {
		t.Errorf("Expected default go runtime, got %q", spec.Runtime)
	}

	res, err := fns.Invoke(ctx, "echo", map[string]interface{}{"hello": "world"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !res.Succeeded() || res.StatusCode != 201 {
		t.Fatalf("Unexpected result %+v", res)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["hello"] != "world" {
		t.Errorf("Expected echoed event, got %v", body)
	}
}

func TestFunctions_HandlerFailuresAreResults(t *testing.T) {
	fns := newTestProvider(t, withTestHandlers()).Functions()
	ctx := context.Background()

	for name, handler := range map[string]string{"fail": "test.fail", "panic": "test.panic"} {
		if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: name, Handler: handler}, nil); err != nil {
			t.Fatal(err)
		}
	}

	res, err := fns.Invoke(ctx, "fail", nil)
	if err != nil {
		t.Fatalf("Handler errors should not be invocation errors: %v", err)
	}
	if res.Succeeded() || res.Error.Type != "HandlerError" || res.Error.Message != "handler exploded" {
		t.Errorf("Unexpected result %+v", res.Error)
	}

	res, err = fns.Invoke(ctx, "panic", nil)
	if err != nil {
		t.Fatalf("Panics should not be invocation errors: %v", err)
	}
	if res.Succeeded() || res.Error.Type != "Panic" {
		t.Errorf("Unexpected result %+v", res.Error)
	}
}

func TestFunctions_Timeout(t *testing.T) {
	fns := newTestProvider(t, withTestHandlers()).Functions()
	ctx := context.Background()

	if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "slow", Handler: "test.slow", Timeout: 50 * time.Millisecond}, nil); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err := fns.Invoke(ctx, "slow", nil)
	if !errors.Is(err, polybase.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Timeout not enforced, took %v", time.Since(start))
	}
}

func TestFunctions_DeployValidation(t *testing.T) {
	fns := newTestProvider(t, withTestHandlers()).Functions()
	ctx := context.Background()

	if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "x", Handler: "not.registered"}, nil); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for unregistered handler, got %v", err)
	}
	if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "x", Handler: "main", Runtime: "cobol"}, []byte("x")); !errors.Is(err, polybase.ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported for unknown runtime, got %v", err)
	}
	if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "../x", Handler: "test.echo"}, nil); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for path-like name, got %v", err)
	}
	if _, err := fns.Invoke(ctx, "missing", nil); !polybase.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound invoking unknown function, got %v", err)
	}
}

func TestFunctions_ShellRuntime(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	fns := newTestProvider(t, withTestHandlers()).Functions()
	ctx := context.Background()

	ok := []byte(`cat > /dev/null; echo '{"statusCode": 202, "body": {"ran": true}}'`)
	if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "ok", Handler: "main", Runtime: polybase.RuntimeShell}, ok); err != nil {
		t.Fatal(err)
	}
	res, err := fns.Invoke(ctx, "ok", map[string]interface{}{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 202 || string(res.Body) != `{"ran": true}` {
		t.Errorf("Unexpected result %d %s", res.StatusCode, res.Body)
	}

	bad := []byte(`echo "bad input" >&2; exit 3`)
	if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "bad", Handler: "main", Runtime: polybase.RuntimeShell}, bad); err != nil {
		t.Fatal(err)
	}
	res, err = fns.Invoke(ctx, "bad", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded() || res.Error.Type != "ExitError" || res.Error.Message != "bad input" {
		t.Errorf("Unexpected result %+v", res.Error)
	}
}

func TestFunctions_ListExportRemove(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	p := New(withTestHandlers())
	if err := p.Initialize(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b", "a"} {
		if _, err := p.Functions().Deploy(ctx, polybase.FunctionSpec{Name: name, Handler: "test.echo"}, []byte("code-"+name)); err != nil {
			t.Fatal(err)
		}
	}
	_ = p.Shutdown(ctx)

	// Deployed functions are reloaded from disk.
	p = New(withTestHandlers())
	if err := p.Initialize(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(ctx)
	fns := p.Functions()

	list, err := fns.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("Expected [a b], got %+v", list)
	}

	spec, code, err := fns.Export(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Handler != "test.echo" || string(code) != "code-a" {
		t.Errorf("Unexpected export %+v %q", spec, code)
	}

	if err := fns.Remove(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := fns.Invoke(ctx, "a", nil); !polybase.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound after remove, got %v", err)
	}
	if err := fns.Remove(ctx, "a"); !polybase.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound removing twice, got %v", err)
	}
}

func TestFunctions_HandlersArePerProvider(t *testing.T) {
	ctx := context.Background()
	reply := func(code int) Handler {
		return func(ctx context.Context, event map[string]interface{}) (Response, error) {
			return Response{StatusCode: code}, nil
		}
	}
	first := newTestProvider(t, WithHandler("status", reply(201))).Functions()
	second := newTestProvider(t, WithHandler("status", reply(202))).Functions()
	bare := newTestProvider(t).Functions()

	for fns, want := range map[polybase.FunctionsProvider]int{first: 201, second: 202} {
		if _, err := fns.Deploy(ctx, polybase.FunctionSpec{Name: "status", Handler: "status"}, nil); err != nil {
			t.Fatalf("Deploy failed: %v", err)
		}
		res, err := fns.Invoke(ctx, "status", nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != want {
			t.Errorf("Expected status %d, got %d", want, res.StatusCode)
		}
	}

	if _, err := bare.Deploy(ctx, polybase.FunctionSpec{Name: "status", Handler: "status"}, nil); !errors.Is(err, polybase.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without the handler, got %v", err)
	}
}
