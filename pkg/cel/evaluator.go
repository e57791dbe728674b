package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"liminal/internal/message"
)

// Evaluator compiles expressions over a message: id, source, topic, payload,
// ingestion_time, event_time and sequence_id.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("ingestion_time", cel.TimestampType),
		cel.Variable("event_time", cel.TimestampType),
		cel.Variable("sequence_id", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Program is a compiled expression, safe for concurrent use.
type Program struct {
	expression string
	program    cel.Program
}

func (p *Program) Expression() string {
	return p.expression
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// CompileFilter compiles an expression that must produce a bool.
func (e *Evaluator) CompileFilter(expression string) (*Program, error) {
	if err := e.ValidateFilterExpression(expression); err != nil {
		return nil, err
	}
	return e.CompileExpression(expression)
}

func (e *Evaluator) CompileExpression(expression string) (*Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Program{expression: expression, program: program}, nil
}

func (p *Program) Eval(ctx context.Context, msg message.Message) (interface{}, error) {
	result, _, err := p.program.ContextEval(ctx, activation(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	return result.Value(), nil
}

func (p *Program) EvalBool(ctx context.Context, msg message.Message) (bool, error) {
	value, err := p.Eval(ctx, msg)
	if err != nil {
		return false, err
	}

	boolVal, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", value)
	}
	return boolVal, nil
}

// EvalNumber evaluates a numeric expression. Integer results are widened to
// float64.
func (p *Program) EvalNumber(ctx context.Context, msg message.Message) (float64, error) {
	value, err := p.Eval(ctx, msg)
	if err != nil {
		return 0, err
	}

	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("CEL expression did not return a number, got %T", value)
	}
}

func activation(msg message.Message) map[string]interface{} {
	var seq int64
	if s, ok := msg.Sequence(); ok {
		seq = int64(s)
	}
	payload := msg.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":             msg.ID,
		"source":         msg.Source,
		"topic":          msg.Topic,
		"ingestion_time": msg.IngestionTime.UTC(),
		"event_time":     msg.EffectiveEventTime().UTC(),
		"sequence_id":    seq,
		"payload":        payload,
	}
}
