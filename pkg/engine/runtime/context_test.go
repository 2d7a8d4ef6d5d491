package runtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionContextNormalizesRequest(t *testing.T) {
	ec := NewExecutionContext(Request{
		Path:    "/proxy/orders",
		Method:  "get",
		Headers: map[string]any{"X-User-Id": "7"},
		Body:    map[string]any{"a": 1},
	})

	req := ec.InputRequest()
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, map[string]any{"x-user-id": "7"}, req.Headers)
	assert.NotNil(t, req.Params)

	tree := ec.Tree()
	input := tree[InputKey].(map[string]any)
	request := input["request"].(map[string]any)
	assert.Equal(t, "/proxy/orders", request["path"])
	assert.Equal(t, map[string]any{"a": 1}, request["body"])
	assert.NotContains(t, input, "locale")
	assert.NotContains(t, input, "validation")
}

func TestTreeIsACopy(t *testing.T) {
	ec := NewExecutionContext(Request{Method: "GET", Params: map[string]any{"id": "1"}})
	tree := ec.Tree()
	tree[InputKey].(map[string]any)["request"].(map[string]any)["params"].(map[string]any)["id"] = "2"

	assert.Equal(t, "1", ec.InputRequest().Params["id"])
}

func TestMergeInputRequest(t *testing.T) {
	ec := NewExecutionContext(Request{
		Method:  "POST",
		Headers: map[string]any{"a": "1"},
		Body:    map[string]any{"keep": true},
	})
	ec.MergeInputRequest(map[string]any{"B": "2"}, map[string]any{"p": "x"}, map[string]any{"added": 1})

	req := ec.InputRequest()
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, req.Headers)
	assert.Equal(t, map[string]any{"p": "x"}, req.Params)
	assert.Equal(t, map[string]any{"keep": true, "added": 1}, req.Body)

	ec.MergeInputRequest(nil, nil, "raw")
	assert.Equal(t, "raw", ec.InputRequest().Body)
}

func TestStepEntries(t *testing.T) {
	ec := NewExecutionContext(Request{Method: "GET"})
	ec.SetSourceRequest("user", "profile", map[string]any{"url": "http://users"})
	ec.SetSourceResponse("user", "profile", map[string]any{"status": 200}, map[string]any{"name": "ada"})
	ec.SetStepResult("user", map[string]any{"name": "ada"}, true)
	ec.SetStepField("user", "extra", 1)

	data, ok := ec.SourceData("user", "profile")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"url": "http://users"}, data.Request)
	assert.Equal(t, map[string]any{"name": "ada"}, data.Response.Body)

	v, ok := ec.StepField("user", "extra")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	sr, ok := ec.StepResult("user")
	require.True(t, ok)
	assert.True(t, sr.Stop)

	step := ec.Tree()["user"].(map[string]any)
	assert.Equal(t, true, step[StopKey])
	assert.Equal(t, "ada", step[RequestsKey].(map[string]any)["profile"].(map[string]any)["response"].(map[string]any)["body"].(map[string]any)["name"])

	_, ok = ec.SourceData("missing", "x")
	assert.False(t, ok)
	_, ok = ec.StepField("missing", "x")
	assert.False(t, ok)
}

func TestValidationAndLocaleInTree(t *testing.T) {
	ec := NewExecutionContext(Request{Method: "GET"})
	ec.SetLocale("zh")
	ec.SetValidationErrors([]string{"a is required", "b is invalid"})

	input := ec.Tree()[InputKey].(map[string]any)
	assert.Equal(t, "zh", input["locale"])
	assert.Equal(t, map[string]any{
		"errors":  []any{"a is required", "b is invalid"},
		"message": "a is required; b is invalid",
	}, input["validation"])
	assert.Equal(t, []string{"a is required", "b is invalid"}, ec.ValidationErrors())
}

func TestSnapshotCarriesDiagnostics(t *testing.T) {
	ec := NewExecutionContext(Request{Method: "GET"})
	ec.SetDebug(true)
	ec.AddDiagnostic(LabelValidate, 3*time.Millisecond)
	ec.AddDiagnostic(SourceLabel("user", "profile"), 10*time.Millisecond)
	ec.SetException(Exception{Message: "boom", StackFrames: []string{"at main"}})

	snap := ec.Snapshot()
	assert.Equal(t, true, snap[DebugKey])
	assert.Equal(t, []any{
		map[string]any{"label": "validate", "durationMillis": int64(3)},
		map[string]any{"label": "step.user.source.profile", "durationMillis": int64(10)},
	}, snap[DiagnosticsKey])
	assert.Equal(t, "boom", snap[ExceptionKey].(map[string]any)["message"])

	_, err := json.Marshal(snap)
	assert.NoError(t, err)

	ex, ok := ec.Exception()
	assert.True(t, ok)
	assert.Equal(t, []string{"at main"}, ex.StackFrames)
	assert.Equal(t, "step.user.transform", StepTransformLabel("user"))
}

func TestFieldsAndFlags(t *testing.T) {
	ec := NewExecutionContext(Request{Method: "GET"})
	ec.SetField("tenant", map[string]string{"id": "t1"})
	v, ok := ec.Field("tenant")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"id": "t1"}, v)
	assert.Contains(t, ec.Tree(), "tenant")

	assert.False(t, ec.ReturnContext())
	ec.SetReturnContext(true)
	assert.True(t, ec.ReturnContext())
	assert.False(t, ec.Debug())
}

func TestConcurrentSourceWrites(t *testing.T) {
	ec := NewExecutionContext(Request{Method: "GET"})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("s%d", i)
			ec.SetSourceRequest("fan", name, map[string]any{"i": i})
			ec.SetSourceResponse("fan", name, nil, i)
			ec.AddDiagnostic(SourceLabel("fan", name), time.Millisecond)
			_ = ec.Tree()
		}(i)
	}
	wg.Wait()

	sr, ok := ec.StepResult("fan")
	require.True(t, ok)
	assert.Len(t, sr.Requests, 32)
	assert.Len(t, ec.Diagnostics(), 32)
}

func TestCloneValueConvertsTypedCollections(t *testing.T) {
	assert.Equal(t, []any{"a"}, CloneValue([]string{"a"}))
	assert.Equal(t, []any{map[string]any{"k": 1}}, CloneValue([]map[string]any{{"k": 1}}))

	src := map[string]any{"list": []any{1}}
	cp := CloneValue(src).(map[string]any)
	cp["list"].([]any)[0] = 2
	assert.Equal(t, 1, src["list"].([]any)[0])
}
