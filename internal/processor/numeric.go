package processor

import (
	"context"
	"fmt"

	"liminal/internal/constants"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/fieldpath"
)

// fieldParams selects the payload fields a numeric transform reads and
// writes: field edits in place, input/output reads one field and writes
// another, inputs/outputs does the same pairwise.
type fieldParams struct {
	Field   string   `mapstructure:"field"`
	Input   string   `mapstructure:"input"`
	Output  string   `mapstructure:"output"`
	Inputs  []string `mapstructure:"inputs"`
	Outputs []string `mapstructure:"outputs"`
}

type fieldPair struct {
	in, out string
}

func (f fieldParams) pairs() ([]fieldPair, error) {
	switch {
	case len(f.Inputs) > 0 || len(f.Outputs) > 0:
		if len(f.Inputs) != len(f.Outputs) {
			return nil, fmt.Errorf("inputs (%d) and outputs (%d) count mismatch", len(f.Inputs), len(f.Outputs))
		}
		pairs := make([]fieldPair, len(f.Inputs))
		for i := range f.Inputs {
			if f.Inputs[i] == "" || f.Outputs[i] == "" {
				return nil, fmt.Errorf("field %d has an empty name", i)
			}
			pairs[i] = fieldPair{in: f.Inputs[i], out: f.Outputs[i]}
		}
		return pairs, nil
	case f.Input != "":
		out := f.Output
		if out == "" {
			out = f.Input
		}
		return []fieldPair{{in: f.Input, out: out}}, nil
	default:
		field := f.Field
		if field == "" {
			field = constants.DefaultField
		}
		out := f.Output
		if out == "" {
			out = field
		}
		return []fieldPair{{in: field, out: out}}, nil
	}
}

type scaleParams struct {
	Fields      fieldParams `mapstructure:",squash"`
	ScaleFactor float64     `mapstructure:"scale_factor"`
}

type scale struct {
	factor float64
	pairs  []fieldPair
}

func newScale(spec Spec, _ Deps) (stage.Processor, error) {
	p := scaleParams{ScaleFactor: 1.0}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	pairs, err := p.Fields.pairs()
	if err != nil {
		return nil, err
	}
	return newTransform(&scale{factor: p.ScaleFactor, pairs: pairs}), nil
}

// apply multiplies every configured field that is present. Missing fields
// are left alone; a field that is present but not numeric fails the message.
func (s *scale) apply(_ context.Context, msg message.Message) (message.Message, bool, error) {
	doc, err := fieldpath.FromMap(msg.Payload)
	if err != nil {
		return msg, false, err
	}
	for _, pair := range s.pairs {
		if !doc.Exists(pair.in) {
			continue
		}
		v, ok := doc.Number(pair.in)
		if !ok {
			return msg, false, fmt.Errorf("field %q is not numeric", pair.in)
		}
		if err := doc.Set(pair.out, v*s.factor); err != nil {
			return msg, false, err
		}
	}
	payload, err := doc.Map()
	if err != nil {
		return msg, false, err
	}
	return msg.WithPayload(payload), true, nil
}

type lowpassParams struct {
	Fields    fieldParams `mapstructure:",squash"`
	Threshold float64     `mapstructure:"threshold"`
}

type lowpass struct {
	threshold float64
	pair      fieldPair
}

func newLowpass(spec Spec, _ Deps) (stage.Processor, error) {
	p := lowpassParams{Threshold: 25.0}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	pairs, err := p.Fields.pairs()
	if err != nil {
		return nil, err
	}
	if len(pairs) != 1 {
		return nil, fmt.Errorf("lowpass reads exactly one field, got %d", len(pairs))
	}
	return newTransform(&lowpass{threshold: p.Threshold, pair: pairs[0]}), nil
}

// apply passes messages whose field is strictly below the threshold.
// Messages without the field are filtered out.
func (l *lowpass) apply(_ context.Context, msg message.Message) (message.Message, bool, error) {
	v, ok := fieldpath.Number(msg.Payload, l.pair.in)
	if !ok || v >= l.threshold {
		return msg, false, nil
	}
	if l.pair.out == l.pair.in {
		return msg, true, nil
	}
	doc, err := fieldpath.FromMap(msg.Payload)
	if err != nil {
		return msg, false, err
	}
	if err := doc.Set(l.pair.out, v); err != nil {
		return msg, false, err
	}
	payload, err := doc.Map()
	if err != nil {
		return msg, false, err
	}
	return msg.WithPayload(payload), true, nil
}
