package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/config"
	liminalerrors "liminal/pkg/errors"
)

func rules(list ...map[string]interface{}) []interface{} {
	out := make([]interface{}, len(list))
	for i, r := range list {
		out[i] = r
	}
	return out
}

func when(path, op string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"field_path": path, "operation": op, "value": value}
}

func TestConditionOperations(t *testing.T) {
	payload := map[string]interface{}{
		"status": "active-now",
		"temp":   30.5,
		"tags":   []interface{}{"a", "b"},
	}
	tests := []struct {
		path  string
		op    string
		value interface{}
		want  bool
	}{
		{"status", "equals", "active-now", true},
		{"status", "==", "idle", false},
		{"status", "not_equals", "idle", true},
		{"status", "!=", "active-now", false},
		{"status", "startswith", "active", true},
		{"status", "endswith", "now", true},
		{"status", "contains", "ve-n", true},
		{"temp", ">", 30, true},
		{"temp", ">=", 30.5, true},
		{"temp", "<", 30.5, false},
		{"temp", "<=", 31, true},
		{"temp", "==", 30.5, true},
		{"temp", "contains", "30", false},
		{"status", ">", 1, false},
		{"tags", "equals", []interface{}{"a", "b"}, true},
		{"missing", "!=", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.path+" "+tt.op, func(t *testing.T) {
			h := newHarness(t, "rule", config.RoleTransform, map[string]interface{}{
				"rules": rules(map[string]interface{}{
					"condition": when(tt.path, tt.op, tt.value),
					"actions": []interface{}{
						map[string]interface{}{"type": "set_field", "field_path": "matched", "value": true},
					},
				}),
			})
			out, ok := h.through(payload)
			require.True(t, ok)
			_, matched := out.Payload["matched"]
			assert.Equal(t, tt.want, matched)
		})
	}
}

func TestRuleActions(t *testing.T) {
	tests := []struct {
		name    string
		actions []interface{}
		payload map[string]interface{}
		want    map[string]interface{}
		dropped bool
	}{
		{
			name: "set and remove",
			actions: []interface{}{
				map[string]interface{}{"type": "set_field", "field_path": "meta.level", "value": "high"},
				map[string]interface{}{"type": "remove_field", "field_path": "debug"},
			},
			payload: map[string]interface{}{"v": 1, "debug": true},
			want:    map[string]interface{}{"v": 1.0, "meta": map[string]interface{}{"level": "high"}},
		},
		{
			name: "copy and rename",
			actions: []interface{}{
				map[string]interface{}{"type": "copy_field", "source_field": "v", "target_field": "backup"},
				map[string]interface{}{"type": "rename_field", "old_field": "v", "new_field": "value"},
			},
			payload: map[string]interface{}{"v": 2},
			want:    map[string]interface{}{"backup": 2.0, "value": 2.0},
		},
		{
			name: "keep only runs first",
			actions: []interface{}{
				map[string]interface{}{"type": "set_field", "field_path": "added", "value": 1},
				map[string]interface{}{"type": "keep_only_fields", "field_paths": []interface{}{"v"}},
			},
			payload: map[string]interface{}{"v": 3, "noise": "x"},
			want:    map[string]interface{}{"v": 3.0, "added": 1.0},
		},
		{
			name: "compute sees payload before the branch",
			actions: []interface{}{
				map[string]interface{}{"type": "set_field", "field_path": "v", "value": 100},
				map[string]interface{}{"type": "compute_field", "field_path": "double", "expression": "double(payload.v) * 2.0"},
			},
			payload: map[string]interface{}{"v": 4},
			want:    map[string]interface{}{"v": 100.0, "double": 8.0},
		},
		{
			name: "drop wins regardless of order",
			actions: []interface{}{
				map[string]interface{}{"type": "drop_message"},
				map[string]interface{}{"type": "set_field", "field_path": "x", "value": 1},
			},
			payload: map[string]interface{}{"v": 1},
			dropped: true,
		},
		{
			name: "pass through",
			actions: []interface{}{
				map[string]interface{}{"type": "pass_through"},
			},
			payload: map[string]interface{}{"v": 1},
			want:    map[string]interface{}{"v": 1.0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "rule", config.RoleTransform, map[string]interface{}{
				"rules": rules(map[string]interface{}{
					"condition": when("v", ">=", 0),
					"actions":   tt.actions,
				}),
			})
			out, ok := h.through(tt.payload)
			if tt.dropped {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, out.Payload)
		})
	}
}

func TestRuleElseBranchAndOrder(t *testing.T) {
	h := newHarness(t, "rule", config.RoleTransform, map[string]interface{}{
		"rules": rules(
			map[string]interface{}{
				"condition": when("temp", ">", 50),
				"actions": []interface{}{
					map[string]interface{}{"type": "set_field", "field_path": "alert", "value": "hot"},
				},
				"else_actions": []interface{}{
					map[string]interface{}{"type": "set_field", "field_path": "alert", "value": "ok"},
				},
			},
			map[string]interface{}{
				"condition": when("alert", "==", "ok"),
				"actions": []interface{}{
					map[string]interface{}{"type": "set_field", "field_path": "checked", "value": true},
				},
			},
		),
	})

	out, ok := h.through(map[string]interface{}{"temp": 20})
	require.True(t, ok)
	assert.Equal(t, "ok", out.Payload["alert"])
	assert.Equal(t, true, out.Payload["checked"], "later rules see earlier edits")

	out, ok = h.through(map[string]interface{}{"temp": 80})
	require.True(t, ok)
	assert.Equal(t, "hot", out.Payload["alert"])
	assert.NotContains(t, out.Payload, "checked")
}

func TestRuleErrorStrategies(t *testing.T) {
	failingCopy := []interface{}{
		map[string]interface{}{"type": "copy_field", "source_field": "absent", "target_field": "copy"},
		map[string]interface{}{"type": "set_field", "field_path": "after", "value": 1},
	}

	tests := []struct {
		strategy string
		want     map[string]interface{}
		aborted  bool
	}{
		{strategy: "continue", want: map[string]interface{}{"v": 1.0, "after": 1.0}},
		{strategy: "skip", want: map[string]interface{}{"v": 1.0, "after": 1.0}},
		{strategy: "use_default", want: map[string]interface{}{"v": 1.0, "copy": "n/a", "after": 1.0}},
		{strategy: "abort", aborted: true},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			h := newHarness(t, "rule", config.RoleTransform, map[string]interface{}{
				"error_strategy": tt.strategy,
				"default_value":  "n/a",
				"rules": rules(map[string]interface{}{
					"condition": when("v", "==", 1),
					"actions":   failingCopy,
				}),
			})
			h.send(map[string]interface{}{"v": 1})
			err := h.step()
			if tt.aborted {
				require.Error(t, err)
				assert.True(t, liminalerrors.IsMessageLevel(err))
				h.none()
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.next().Payload)
		})
	}
}

func TestComputeFieldFailure(t *testing.T) {
	tests := []struct {
		strategy string
		want     interface{}
		present  bool
	}{
		{strategy: "continue", want: 0.0, present: true},
		{strategy: "skip", present: false},
		{strategy: "use_default", want: -1.0, present: true},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			h := newHarness(t, "rule", config.RoleTransform, map[string]interface{}{
				"error_strategy": tt.strategy,
				"default_value":  -1,
				"rules": rules(map[string]interface{}{
					"condition": when("v", "==", 1),
					"actions": []interface{}{
						map[string]interface{}{"type": "compute_field", "field_path": "r", "expression": "double(payload.missing) + 1.0"},
					},
				}),
			})
			out, ok := h.through(map[string]interface{}{"v": 1})
			require.True(t, ok)
			v, present := out.Payload["r"]
			assert.Equal(t, tt.present, present)
			if tt.present {
				assert.Equal(t, tt.want, v)
			}
		})
	}
}

func TestRuleConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"no rules", map[string]interface{}{}},
		{"unknown operation", map[string]interface{}{
			"rules": rules(map[string]interface{}{
				"condition": when("v", "~=", 1),
				"actions":   []interface{}{map[string]interface{}{"type": "pass_through"}},
			}),
		}},
		{"unknown action", map[string]interface{}{
			"rules": rules(map[string]interface{}{
				"condition": when("v", "==", 1),
				"actions":   []interface{}{map[string]interface{}{"type": "explode"}},
			}),
		}},
		{"bad expression", map[string]interface{}{
			"rules": rules(map[string]interface{}{
				"condition": when("v", "==", 1),
				"actions": []interface{}{
					map[string]interface{}{"type": "compute_field", "field_path": "x", "expression": "payload.v +"},
				},
			}),
		}},
		{"unknown strategy", map[string]interface{}{
			"error_strategy": "retry",
			"rules": rules(map[string]interface{}{
				"condition": when("v", "==", 1),
				"actions":   []interface{}{map[string]interface{}{"type": "pass_through"}},
			}),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(Deps{})
			require.NoError(t, err)
			_, err = reg.Build(Spec{
				Name:   "rules",
				Role:   config.RoleTransform,
				Config: config.StageConfig{Type: "rule", Parameters: tt.params},
			})
			require.Error(t, err)
			assert.True(t, liminalerrors.IsConfig(err))
		})
	}
}
