package process

import (
	"context"
	"testing"

	"github.com/lherron/upm/internal/domain"
	"github.com/lherron/upm/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func buildPipeline(t *testing.T, src string) *Pipeline {
	t.Helper()
	var proc domain.Process
	require.NoError(t, yaml.Unmarshal([]byte(src), &proc))
	p, err := NewRegistry().Build(proc, BuildContext{MigrationID: "test"})
	require.NoError(t, err)
	return p
}

func testExec() Executor {
	return NewExecutor("test", logging.Discard())
}

func TestPipelineProcessRow(t *testing.T) {
	p := buildPipeline(t, `
name: name
type: constants/type
status:
  plugin: default_value
  source: status
  default_value: 1
tags:
  - plugin: get
    source:
      - tag_a
      - tag_b
      - tag_a
  - plugin: array_unique
  - plugin: string_replace
    replacements:
      old: new
copy: "@name"
`)
	assert.Equal(t, []string{"name", "type", "status", "tags", "copy"}, p.Fields())

	row := domain.NewRow(map[string]any{
		"name":      "alice",
		"constants": map[string]any{"type": "user"},
		"tag_a":     "old-tag",
		"tag_b":     "other",
	}, nil, false)

	require.NoError(t, p.ProcessRow(context.Background(), testExec(), row))
	assert.Equal(t, "alice", row.DestinationProperty("name"))
	assert.Equal(t, "user", row.DestinationProperty("type"))
	assert.Equal(t, 1, row.DestinationProperty("status"))
	assert.Equal(t, []any{"new-tag", "other"}, row.DestinationProperty("tags"))
	assert.Equal(t, "alice", row.DestinationProperty("copy"))
}

func TestPipelineSkipSignals(t *testing.T) {
	p := buildPipeline(t, `
mail:
  plugin: skip_on_empty
  method: process
  source: mail
name: name
`)
	row := domain.NewRow(map[string]any{"name": "bob", "mail": ""}, nil, false)
	require.NoError(t, p.ProcessRow(context.Background(), testExec(), row))
	assert.False(t, row.HasDestinationProperty("mail"))
	assert.Equal(t, "bob", row.DestinationProperty("name"))

	p = buildPipeline(t, `
mail:
  plugin: skip_on_empty
  method: row
  source: mail
  message: no mail
`)
	row = domain.NewRow(map[string]any{"mail": nil}, nil, false)
	err := p.ProcessRow(context.Background(), testExec(), row)
	skip, ok := domain.IsSkipRow(err)
	require.True(t, ok, "expected skip row, got %v", err)
	assert.Equal(t, "no mail", skip.Message)
	assert.True(t, skip.SaveToMap)
}

func TestBuildRejectsUnknownPlugin(t *testing.T) {
	var proc domain.Process
	require.NoError(t, yaml.Unmarshal([]byte("x:\n  plugin: nope\n"), &proc))
	_, err := NewRegistry().Build(proc, BuildContext{MigrationID: "test"})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestIsEmpty(t *testing.T) {
	for _, v := range []any{nil, "", "0", 0, int64(0), false, []any{}, map[string]any{}} {
		assert.True(t, IsEmpty(v), "%#v", v)
	}
	for _, v := range []any{"a", "00", 1, true, []any{nil}, 0.5} {
		assert.False(t, IsEmpty(v), "%#v", v)
	}
}
