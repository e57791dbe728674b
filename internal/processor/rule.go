package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/cel"
	"liminal/pkg/fieldpath"
	"liminal/pkg/jsoncodec"
	"liminal/pkg/metrics"
)

const (
	strategyContinue   = "continue"
	strategySkip       = "skip"
	strategyAbort      = "abort"
	strategyUseDefault = "use_default"
)

const (
	actionSetField       = "set_field"
	actionRemoveField    = "remove_field"
	actionCopyField      = "copy_field"
	actionRenameField    = "rename_field"
	actionComputeField   = "compute_field"
	actionDropMessage    = "drop_message"
	actionPassThrough    = "pass_through"
	actionKeepOnlyFields = "keep_only_fields"
)

type operation int

const (
	opEquals operation = iota
	opNotEquals
	opStartsWith
	opEndsWith
	opContains
	opGreater
	opGreaterOrEqual
	opLess
	opLessOrEqual
)

func parseOperation(s string) (operation, bool) {
	switch s {
	case "equals", "==":
		return opEquals, true
	case "not_equals", "!=":
		return opNotEquals, true
	case "startswith":
		return opStartsWith, true
	case "endswith":
		return opEndsWith, true
	case "contains":
		return opContains, true
	case ">":
		return opGreater, true
	case ">=":
		return opGreaterOrEqual, true
	case "<":
		return opLess, true
	case "<=":
		return opLessOrEqual, true
	default:
		return 0, false
	}
}

type ruleParams struct {
	Rules         []ruleSpec  `mapstructure:"rules"`
	ErrorStrategy string      `mapstructure:"error_strategy"`
	DefaultValue  interface{} `mapstructure:"default_value"`
}

type ruleSpec struct {
	Condition   conditionSpec `mapstructure:"condition"`
	Actions     []actionSpec  `mapstructure:"actions"`
	ElseActions []actionSpec  `mapstructure:"else_actions"`
}

type conditionSpec struct {
	FieldPath string      `mapstructure:"field_path"`
	Operation string      `mapstructure:"operation"`
	Value     interface{} `mapstructure:"value"`
}

type actionSpec struct {
	Type        string      `mapstructure:"type"`
	FieldPath   string      `mapstructure:"field_path"`
	Value       interface{} `mapstructure:"value"`
	SourceField string      `mapstructure:"source_field"`
	TargetField string      `mapstructure:"target_field"`
	OldField    string      `mapstructure:"old_field"`
	NewField    string      `mapstructure:"new_field"`
	Expression  string      `mapstructure:"expression"`
	FieldPaths  []string    `mapstructure:"field_paths"`
}

// priority orders the actions of one branch: keep_only_fields resets the
// payload first, field edits follow, drop/pass decide last.
func (a actionSpec) priority() int {
	switch a.Type {
	case actionKeepOnlyFields:
		return 0
	case actionDropMessage, actionPassThrough:
		return 2
	default:
		return 1
	}
}

func (a actionSpec) validate(evaluator *cel.Evaluator) error {
	switch a.Type {
	case actionSetField, actionRemoveField:
		return required("field_path", a.FieldPath)
	case actionCopyField:
		if a.SourceField == "" || a.TargetField == "" {
			return fmt.Errorf("copy_field needs source_field and target_field")
		}
		if a.SourceField == a.TargetField {
			return fmt.Errorf("copy_field source and target are both %q", a.SourceField)
		}
	case actionRenameField:
		if a.OldField == "" || a.NewField == "" {
			return fmt.Errorf("rename_field needs old_field and new_field")
		}
		if a.OldField == a.NewField {
			return fmt.Errorf("rename_field old and new are both %q", a.OldField)
		}
	case actionComputeField:
		if err := required("field_path", a.FieldPath); err != nil {
			return err
		}
		if err := required("expression", a.Expression); err != nil {
			return err
		}
		return evaluator.ValidateExpression(a.Expression)
	case actionKeepOnlyFields:
		if len(a.FieldPaths) == 0 {
			return fmt.Errorf("keep_only_fields needs field_paths")
		}
	case actionDropMessage, actionPassThrough:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

type condition struct {
	path     string
	op       operation
	expected gjson.Result
}

func (c condition) matches(doc *fieldpath.Document) bool {
	actual := doc.Result(c.path)
	if !actual.Exists() {
		return false
	}

	switch c.op {
	case opEquals:
		return jsonEqual(actual, c.expected)
	case opNotEquals:
		return !jsonEqual(actual, c.expected)
	case opStartsWith, opEndsWith, opContains:
		if actual.Type != gjson.String || c.expected.Type != gjson.String {
			return false
		}
		switch c.op {
		case opStartsWith:
			return strings.HasPrefix(actual.Str, c.expected.Str)
		case opEndsWith:
			return strings.HasSuffix(actual.Str, c.expected.Str)
		default:
			return strings.Contains(actual.Str, c.expected.Str)
		}
	default:
		if actual.Type != gjson.Number || c.expected.Type != gjson.Number {
			return false
		}
		a, b := actual.Num, c.expected.Num
		switch c.op {
		case opGreater:
			return a > b
		case opGreaterOrEqual:
			return a >= b
		case opLess:
			return a < b
		default:
			return a <= b
		}
	}
}

// jsonEqual compares two JSON values structurally; numbers compare by value.
func jsonEqual(a, b gjson.Result) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case gjson.Number:
		return a.Num == b.Num
	case gjson.String:
		return a.Str == b.Str
	case gjson.True, gjson.False, gjson.Null:
		return true
	default:
		ca, errA := jsoncodec.Marshal(a.Value())
		cb, errB := jsoncodec.Marshal(b.Value())
		return errA == nil && errB == nil && string(ca) == string(cb)
	}
}

type compiledRule struct {
	cond        condition
	actions     []actionSpec
	elseActions []actionSpec
}

type ruleTransform struct {
	stage        string
	rules        []compiledRule
	strategy     string
	defaultValue interface{}
	programs     map[string]*cel.Program
	logger       logger.Logger
}

func newRule(spec Spec, deps Deps) (stage.Processor, error) {
	p := ruleParams{ErrorStrategy: strategyContinue}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if len(p.Rules) == 0 {
		return nil, fmt.Errorf("at least one rule is required")
	}
	if err := oneOf("error_strategy", p.ErrorStrategy, strategyContinue, strategySkip, strategyAbort, strategyUseDefault); err != nil {
		return nil, err
	}

	t := &ruleTransform{
		stage:        spec.Name,
		strategy:     p.ErrorStrategy,
		defaultValue: p.DefaultValue,
		programs:     make(map[string]*cel.Program),
		logger:       deps.Logger,
	}
	for i, rs := range p.Rules {
		compiled, err := t.compile(rs, deps.Evaluator)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		t.rules = append(t.rules, compiled)
	}
	return newTransform(t), nil
}

func (t *ruleTransform) compile(rs ruleSpec, evaluator *cel.Evaluator) (compiledRule, error) {
	if err := required("condition.field_path", rs.Condition.FieldPath); err != nil {
		return compiledRule{}, err
	}
	if err := required("condition.operation", rs.Condition.Operation); err != nil {
		return compiledRule{}, err
	}
	op, ok := parseOperation(rs.Condition.Operation)
	if !ok {
		return compiledRule{}, fmt.Errorf("unknown condition operation %q", rs.Condition.Operation)
	}
	if len(rs.Actions) == 0 {
		return compiledRule{}, fmt.Errorf("rule needs at least one action")
	}
	expected, err := jsoncodec.Marshal(rs.Condition.Value)
	if err != nil {
		return compiledRule{}, fmt.Errorf("invalid condition value: %w", err)
	}

	for _, branch := range [][]actionSpec{rs.Actions, rs.ElseActions} {
		for j, a := range branch {
			if err := a.validate(evaluator); err != nil {
				return compiledRule{}, fmt.Errorf("action %d: %w", j, err)
			}
			if a.Type == actionComputeField {
				if _, done := t.programs[a.Expression]; done {
					continue
				}
				prog, err := evaluator.CompileExpression(a.Expression)
				if err != nil {
					return compiledRule{}, fmt.Errorf("action %d: %w", j, err)
				}
				t.programs[a.Expression] = prog
			}
		}
	}

	return compiledRule{
		cond:        condition{path: rs.Condition.FieldPath, op: op, expected: gjson.ParseBytes(expected)},
		actions:     sortActions(rs.Actions),
		elseActions: sortActions(rs.ElseActions),
	}, nil
}

func sortActions(actions []actionSpec) []actionSpec {
	out := append([]actionSpec(nil), actions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority() < out[j].priority() })
	return out
}

// errAborted stops a message under the abort strategy.
type errAborted struct {
	action string
	cause  error
}

func (e *errAborted) Error() string {
	return fmt.Sprintf("rule action %s aborted the message: %v", e.action, e.cause)
}

func (e *errAborted) Unwrap() error { return e.cause }

// apply evaluates every rule in order against the evolving payload. A
// drop_message in the executed branch drops the message and ends
// evaluation.
func (t *ruleTransform) apply(ctx context.Context, msg message.Message) (message.Message, bool, error) {
	doc, err := fieldpath.FromMap(msg.Payload)
	if err != nil {
		return msg, false, err
	}

	for _, r := range t.rules {
		branch := r.elseActions
		if r.cond.matches(doc) {
			branch = r.actions
			metrics.IncRuleEvaluation(t.stage, "matched")
		} else {
			metrics.IncRuleEvaluation(t.stage, "unmatched")
		}
		if len(branch) == 0 {
			continue
		}

		drop, err := t.execute(ctx, msg, doc, branch)
		if err != nil {
			return msg, false, err
		}
		if drop {
			metrics.IncRuleEvaluation(t.stage, "dropped")
			return msg, false, nil
		}
	}

	payload, err := doc.Map()
	if err != nil {
		return msg, false, err
	}
	return msg.WithPayload(payload), true, nil
}

func (t *ruleTransform) execute(ctx context.Context, msg message.Message, doc *fieldpath.Document, actions []actionSpec) (bool, error) {
	computed, err := t.precompute(ctx, msg, doc, actions)
	if err != nil {
		return false, err
	}

	drop := false
	for _, a := range actions {
		var actionErr error
		switch a.Type {
		case actionKeepOnlyFields:
			actionErr = keepOnly(doc, a.FieldPaths)
		case actionSetField:
			actionErr = doc.Set(a.FieldPath, a.Value)
		case actionRemoveField:
			actionErr = doc.Delete(a.FieldPath)
		case actionCopyField:
			actionErr = t.move(doc, a.SourceField, a.TargetField, false)
		case actionRenameField:
			actionErr = t.move(doc, a.OldField, a.NewField, true)
		case actionComputeField:
			if v, ok := computed[a.FieldPath]; ok {
				actionErr = doc.Set(a.FieldPath, v)
			}
		case actionDropMessage:
			drop = true
		case actionPassThrough:
		}
		if actionErr != nil {
			if err := t.handleActionError(ctx, a, actionErr); err != nil {
				return false, err
			}
			if t.strategy == strategyUseDefault {
				if target := a.target(); target != "" {
					_ = doc.Set(target, t.defaultValue)
				}
			}
		}
	}
	return drop, nil
}

// precompute evaluates every compute_field of the branch against the payload
// as it was before the branch ran.
func (t *ruleTransform) precompute(ctx context.Context, msg message.Message, doc *fieldpath.Document, actions []actionSpec) (map[string]interface{}, error) {
	var computed map[string]interface{}
	var snapshot message.Message
	for _, a := range actions {
		if a.Type != actionComputeField {
			continue
		}
		if computed == nil {
			payload, err := doc.Map()
			if err != nil {
				return nil, err
			}
			snapshot = msg.WithPayload(payload)
			computed = make(map[string]interface{})
		}

		v, err := t.programs[a.Expression].EvalNumber(ctx, snapshot)
		if err != nil {
			if herr := t.handleActionError(ctx, a, err); herr != nil {
				return nil, herr
			}
			switch t.strategy {
			case strategySkip:
			case strategyUseDefault:
				computed[a.FieldPath] = t.defaultValue
			default:
				computed[a.FieldPath] = 0.0
			}
			continue
		}
		computed[a.FieldPath] = v
	}
	return computed, nil
}

func (t *ruleTransform) move(doc *fieldpath.Document, from, to string, removeSource bool) error {
	v, ok := doc.Get(from)
	if !ok {
		return fmt.Errorf("field %q not found", from)
	}
	if err := doc.Set(to, v); err != nil {
		return err
	}
	if removeSource {
		return doc.Delete(from)
	}
	return nil
}

func (t *ruleTransform) handleActionError(ctx context.Context, a actionSpec, err error) error {
	if t.strategy == strategyAbort {
		return &errAborted{action: a.Type, cause: err}
	}
	t.logger.WarnwCtx(ctx, "Rule action failed",
		"action", a.Type,
		"strategy", t.strategy,
		"error", err,
	)
	return nil
}

// target is the field an action writes, used for use_default.
func (a actionSpec) target() string {
	switch a.Type {
	case actionCopyField:
		return a.TargetField
	case actionRenameField:
		return a.NewField
	case actionSetField, actionComputeField:
		return a.FieldPath
	default:
		return ""
	}
}

func keepOnly(doc *fieldpath.Document, paths []string) error {
	kept := fieldpath.FromBytes([]byte("{}"))
	for _, p := range paths {
		if v, ok := doc.Get(p); ok {
			if err := kept.Set(p, v); err != nil {
				return err
			}
		}
	}
	*doc = *kept
	return nil
}
