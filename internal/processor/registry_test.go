package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/config"
	"liminal/internal/stage"
	liminalerrors "liminal/pkg/errors"
)

func TestRegistryListsBuiltins(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	infos := reg.List()
	kinds := make([]string, len(infos))
	for i, info := range infos {
		kinds[i] = info.Kind
	}
	assert.Equal(t, []string{
		"console", "dedup", "file", "filter", "fusion", "kafka", "log", "lowpass",
		"mongodb", "mqtt", "postgres", "rename", "rule", "scale", "simulated", "tcp", "throttle",
	}, kinds)

	tcp, ok := reg.Lookup("tcp")
	require.True(t, ok)
	assert.True(t, tcp.Allows(config.RoleInput))
	assert.True(t, tcp.Allows(config.RoleOutput))
	assert.False(t, tcp.Allows(config.RoleTransform))
}

func TestRegistryRegister(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	noop := func(Spec, Deps) (stage.Processor, error) { return nil, nil }

	err = reg.Register(Info{Kind: "scale", Roles: []config.Role{config.RoleTransform}}, noop)
	assert.Error(t, err, "duplicate kind")

	err = reg.Register(Info{Kind: ""}, noop)
	assert.Error(t, err)

	require.NoError(t, reg.Register(Info{Kind: "custom", Roles: []config.Role{config.RoleTransform}}, noop))
	_, ok := reg.Lookup("custom")
	assert.True(t, ok)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg, err := NewRegistry(Deps{})
	require.NoError(t, err)

	tests := []struct {
		name string
		role config.Role
		cfg  config.StageConfig
	}{
		{"unknown type", config.RoleTransform, config.StageConfig{Type: "teleport"}},
		{"wrong role", config.RoleInput, config.StageConfig{Type: "scale"}},
		{"output as transform", config.RoleTransform, config.StageConfig{Type: "console"}},
		{"bad parameter", config.RoleTransform, config.StageConfig{
			Type:       "scale",
			Parameters: map[string]interface{}{"scale_factor": "lots"},
		}},
		{"unknown parameter", config.RoleOutput, config.StageConfig{
			Type:       "console",
			Parameters: map[string]interface{}{"colour": true},
		}},
		{"missing required", config.RoleOutput, config.StageConfig{Type: "file"}},
		{"redis without datastores", config.RoleTransform, config.StageConfig{
			Type:       "dedup",
			Parameters: map[string]interface{}{"store": "redis"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Build(Spec{Name: "bad", Role: tt.role, Config: tt.cfg})
			require.Error(t, err)
			assert.True(t, liminalerrors.IsConfig(err))

			var appErr *liminalerrors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "bad", appErr.Details["stage"])
		})
	}
}

func TestDecodeParams(t *testing.T) {
	var p struct {
		Names   []string `mapstructure:"names"`
		Rate    float64  `mapstructure:"rate"`
		Enabled bool     `mapstructure:"enabled"`
	}
	err := decodeParams(map[string]interface{}{
		"names":   "a,b",
		"rate":    "2.5",
		"enabled": "true",
	}, &p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Names)
	assert.Equal(t, 2.5, p.Rate)
	assert.True(t, p.Enabled)

	assert.Error(t, decodeParams(map[string]interface{}{"nmes": "x"}, &p))
	assert.Error(t, oneOf("mode", "x", "a", "b"))
	assert.NoError(t, oneOf("mode", "b", "a", "b"))
	assert.Error(t, required("path", "  "))
}
