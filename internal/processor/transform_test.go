package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/config"
	liminalerrors "liminal/pkg/errors"
)

func TestScale(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]interface{}
		payload map[string]interface{}
		want    map[string]interface{}
	}{
		{
			name:    "default field",
			params:  map[string]interface{}{"scale_factor": 2.5},
			payload: map[string]interface{}{"value": 4, "unit": "C"},
			want:    map[string]interface{}{"value": 10.0, "unit": "C"},
		},
		{
			name:    "input to output",
			params:  map[string]interface{}{"scale_factor": 10, "input": "raw", "output": "scaled"},
			payload: map[string]interface{}{"raw": 1.5},
			want:    map[string]interface{}{"raw": 1.5, "scaled": 15.0},
		},
		{
			name: "pairwise nested",
			params: map[string]interface{}{
				"scale_factor": "0.5",
				"inputs":       "a.x,a.y",
				"outputs":      "b.x,b.y",
			},
			payload: map[string]interface{}{"a": map[string]interface{}{"x": 2, "y": 8}},
			want: map[string]interface{}{
				"a": map[string]interface{}{"x": 2.0, "y": 8.0},
				"b": map[string]interface{}{"x": 1.0, "y": 4.0},
			},
		},
		{
			name:    "numeric string",
			params:  map[string]interface{}{"scale_factor": 3},
			payload: map[string]interface{}{"value": " 2 "},
			want:    map[string]interface{}{"value": 6.0},
		},
		{
			name:    "missing field passes unchanged",
			params:  map[string]interface{}{"scale_factor": 3},
			payload: map[string]interface{}{"other": "x"},
			want:    map[string]interface{}{"other": "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "scale", config.RoleTransform, tt.params)
			out, ok := h.through(tt.payload)
			require.True(t, ok)
			assert.Equal(t, tt.want, out.Payload)
			assert.Equal(t, h.name, out.Source)
		})
	}
}

func TestScaleNonNumericIsMessageError(t *testing.T) {
	h := newHarness(t, "scale", config.RoleTransform, map[string]interface{}{"scale_factor": 2})
	h.send(map[string]interface{}{"value": "hot"})

	err := h.step()
	require.Error(t, err)
	assert.True(t, liminalerrors.IsMessageLevel(err))
	h.none()
}

func TestLowpass(t *testing.T) {
	h := newHarness(t, "lowpass", config.RoleTransform, map[string]interface{}{"threshold": 25})

	out, ok := h.through(map[string]interface{}{"value": 24.9})
	require.True(t, ok)
	assert.Equal(t, 24.9, out.Payload["value"])

	_, ok = h.through(map[string]interface{}{"value": 25})
	assert.False(t, ok, "threshold itself is filtered")

	_, ok = h.through(map[string]interface{}{"other": 1})
	assert.False(t, ok, "missing field is filtered")
}

func TestLowpassCopiesToOutput(t *testing.T) {
	h := newHarness(t, "lowpass", config.RoleTransform, map[string]interface{}{
		"threshold": 100,
		"input":     "temp",
		"output":    "checked.temp",
	})
	out, ok := h.through(map[string]interface{}{"temp": 20})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{
		"temp":    20.0,
		"checked": map[string]interface{}{"temp": 20.0},
	}, out.Payload)
}

func TestRename(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]interface{}
		payload map[string]interface{}
		want    map[string]interface{}
	}{
		{
			name: "map form drops originals",
			params: map[string]interface{}{
				"mappings": map[string]interface{}{"temp": "temperature", "hum": "env.humidity"},
			},
			payload: map[string]interface{}{"temp": 21, "hum": 40, "noise": 1},
			want: map[string]interface{}{
				"temperature": 21.0,
				"env":         map[string]interface{}{"humidity": 40.0},
			},
		},
		{
			name: "list form keeps originals",
			params: map[string]interface{}{
				"mappings": []interface{}{
					map[string]interface{}{"from": "deviceId", "to": "device"},
				},
				"drop_original": false,
			},
			payload: map[string]interface{}{"deviceId": "d-1", "value": 3},
			want:    map[string]interface{}{"deviceId": "d-1", "device": "d-1", "value": 3.0},
		},
		{
			name:    "missing source is skipped",
			params:  map[string]interface{}{"input": "a", "output": "b"},
			payload: map[string]interface{}{"c": 1},
			want:    map[string]interface{}{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "rename", config.RoleTransform, tt.params)
			out, ok := h.through(tt.payload)
			require.True(t, ok)
			assert.Equal(t, tt.want, out.Payload)
		})
	}
}

func TestFilter(t *testing.T) {
	h := newHarness(t, "filter", config.RoleTransform, map[string]interface{}{
		"expression": `payload.value > 10.0 && source == "upstream"`,
	})

	_, ok := h.through(map[string]interface{}{"value": 11.0})
	assert.True(t, ok)

	_, ok = h.through(map[string]interface{}{"value": 3.0})
	assert.False(t, ok)
}

func TestFilterOnError(t *testing.T) {
	tests := []struct {
		onError string
		want    bool
	}{
		{"allow", true},
		{"deny", false},
	}
	for _, tt := range tests {
		t.Run(tt.onError, func(t *testing.T) {
			h := newHarness(t, "filter", config.RoleTransform, map[string]interface{}{
				"expression": `payload.value > 10.0`,
				"on_error":   tt.onError,
			})
			_, ok := h.through(map[string]interface{}{"other": 1})
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestThrottleDropsExcess(t *testing.T) {
	h := newHarness(t, "throttle", config.RoleTransform, map[string]interface{}{"rate": 0.001, "burst": 2})

	passed := 0
	for i := 0; i < 5; i++ {
		if _, ok := h.through(map[string]interface{}{"i": i}); ok {
			passed++
		}
	}
	assert.Equal(t, 2, passed)
}

func TestDedupMemory(t *testing.T) {
	h := newHarness(t, "dedup", config.RoleTransform, map[string]interface{}{
		"fields":      []interface{}{"device"},
		"ttl_seconds": 60,
	})

	_, ok := h.through(map[string]interface{}{"device": "a", "value": 1})
	assert.True(t, ok)
	_, ok = h.through(map[string]interface{}{"device": "a", "value": 2})
	assert.False(t, ok, "same hashed fields within ttl")
	_, ok = h.through(map[string]interface{}{"device": "b", "value": 1})
	assert.True(t, ok)
}

func TestFusionForwardsEveryInput(t *testing.T) {
	h := newHarness(t, "fusion", config.RoleTransform, nil)

	sent := h.send(map[string]interface{}{"n": 1})
	require.NoError(t, h.step())
	out := h.next()
	assert.Equal(t, sent.Payload, out.Payload)
	assert.Equal(t, h.name, out.Topic)
	require.NotNil(t, out.SequenceID)
	assert.Equal(t, uint64(0), *out.SequenceID)
}
