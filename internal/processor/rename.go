package processor

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/fieldpath"
)

type renameParams struct {
	Mappings     interface{} `mapstructure:"mappings"`
	Input        string      `mapstructure:"input"`
	Output       string      `mapstructure:"output"`
	Inputs       []string    `mapstructure:"inputs"`
	Outputs      []string    `mapstructure:"outputs"`
	DropOriginal bool        `mapstructure:"drop_original"`
}

type renameMapping struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// rename copies mapped fields to their new paths. With drop_original the
// result holds only the mapped fields; without it the rest of the payload is
// kept alongside the copies.
type rename struct {
	pairs        []fieldPair
	dropOriginal bool
}

func newRename(spec Spec, _ Deps) (stage.Processor, error) {
	p := renameParams{DropOriginal: true}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	pairs, err := p.pairs()
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("rename needs mappings, input/output or inputs/outputs")
	}
	return newTransform(&rename{pairs: pairs, dropOriginal: p.DropOriginal}), nil
}

// pairs accepts mappings either as a map of old to new paths or as a list of
// {from, to} entries. The list form keeps key case, which map keys loaded
// through the config file do not.
func (p renameParams) pairs() ([]fieldPair, error) {
	var pairs []fieldPair

	switch m := p.Mappings.(type) {
	case nil:
	case map[string]interface{}:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			to, ok := m[k].(string)
			if !ok || k == "" || to == "" {
				return nil, fmt.Errorf("mapping %q must name a non-empty target field", k)
			}
			pairs = append(pairs, fieldPair{in: k, out: to})
		}
	case []interface{}:
		var list []renameMapping
		if err := mapstructure.Decode(m, &list); err != nil {
			return nil, fmt.Errorf("invalid mappings: %w", err)
		}
		for i, entry := range list {
			if entry.From == "" || entry.To == "" {
				return nil, fmt.Errorf("mapping %d needs both from and to", i)
			}
			pairs = append(pairs, fieldPair{in: entry.From, out: entry.To})
		}
	default:
		return nil, fmt.Errorf("mappings must be a map or a list, got %T", p.Mappings)
	}

	if p.Input != "" {
		if p.Output == "" {
			return nil, fmt.Errorf("input %q has no output", p.Input)
		}
		pairs = append(pairs, fieldPair{in: p.Input, out: p.Output})
	}
	if len(p.Inputs) != len(p.Outputs) {
		return nil, fmt.Errorf("inputs (%d) and outputs (%d) count mismatch", len(p.Inputs), len(p.Outputs))
	}
	for i := range p.Inputs {
		if p.Inputs[i] == "" || p.Outputs[i] == "" {
			return nil, fmt.Errorf("field %d has an empty name", i)
		}
		pairs = append(pairs, fieldPair{in: p.Inputs[i], out: p.Outputs[i]})
	}
	return pairs, nil
}

func (r *rename) apply(_ context.Context, msg message.Message) (message.Message, bool, error) {
	src, err := fieldpath.FromMap(msg.Payload)
	if err != nil {
		return msg, false, err
	}

	dst := fieldpath.FromBytes([]byte("{}"))
	if !r.dropOriginal {
		dst = fieldpath.FromBytes(append([]byte(nil), src.Bytes()...))
	}

	for _, pair := range r.pairs {
		v, ok := src.Get(pair.in)
		if !ok {
			continue
		}
		if err := dst.Set(pair.out, v); err != nil {
			return msg, false, err
		}
	}

	payload, err := dst.Map()
	if err != nil {
		return msg, false, err
	}
	return msg.WithPayload(payload), true, nil
}
