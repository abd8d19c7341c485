package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() *Tool {
	schema := NewBuilder().
		Param("text", ParamString, true, nil).
		Param("shout", ParamBoolean, false, false).
		Schema()
	return &Tool{
		Name:        "echo",
		Category:    "utility",
		InputSchema: schema,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}
}

func TestBuilderMarksRequiredFromRequiredFlag(t *testing.T) {
	schema := NewBuilder().
		Param("a", ParamInteger, true, nil).
		Param("b", ParamString, false, "default").
		Schema()
	assert.Equal(t, []string{"a"}, schema.Required)
	assert.Equal(t, "object", schema.Type)
}

func TestArrayParamIncludesItemType(t *testing.T) {
	schema := NewBuilder().ArrayParam("tags", ParamString, false).Schema()
	prop := schema.Properties["tags"].(map[string]interface{})
	items := prop["items"].(map[string]interface{})
	assert.Equal(t, "string", items["type"])
}

func TestExecuteRejectsMissingRequiredArg(t *testing.T) {
	r := NewRegistry()
	r.Add(echoTool())
	result := r.Execute(context.Background(), "echo", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "text")
}

func TestExecuteAppliesDefaults(t *testing.T) {
	r := NewRegistry()
	tool := echoTool()
	var sawShout interface{}
	tool.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		sawShout = args["shout"]
		return nil, nil
	}
	r.Add(tool)
	r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	assert.Equal(t, false, sawShout)
}

func TestExecuteUnknownToolFails(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), "ghost", nil)
	assert.False(t, result.Success)
}

func TestExecuteCountsInvocationsAndFailures(t *testing.T) {
	r := NewRegistry()
	tool := echoTool()
	tool.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}
	r.Add(tool)
	r.Execute(context.Background(), "echo", map[string]interface{}{"text": "x"})
	invocations, failures, _ := tool.Stats()
	assert.Equal(t, int64(1), invocations)
	assert.Equal(t, int64(1), failures)
}

func TestListFiltersByCategoryAndDeprecation(t *testing.T) {
	r := NewRegistry()
	active := echoTool()
	active.Name = "active"
	active.Category = "utility"
	deprecated := echoTool()
	deprecated.Name = "deprecated"
	deprecated.Category = "utility"
	deprecated.Deprecated = true
	other := echoTool()
	other.Name = "other"
	other.Category = "math"

	r.Add(active)
	r.Add(deprecated)
	r.Add(other)

	listed := r.List(ListFilter{Category: "utility"})
	require.Len(t, listed, 1)
	assert.Equal(t, "active", listed[0].Name)

	listedAll := r.List(ListFilter{Category: "utility", IncludeDeprecated: true})
	assert.Len(t, listedAll, 2)
}
