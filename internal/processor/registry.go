// Package processor holds the built-in stage kinds and the registry the
// pipeline resolves stage types against.
package processor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"liminal/internal/config"
	"liminal/internal/logger"
	"liminal/internal/stage"
	"liminal/pkg/cel"
	liminalerrors "liminal/pkg/errors"
	"liminal/pkg/retry"
)

type Kind string

const (
	KindSimulated Kind = "simulated"
	KindMQTT      Kind = "mqtt"
	KindTCP       Kind = "tcp"
	KindKafka     Kind = "kafka"

	KindScale    Kind = "scale"
	KindLowpass  Kind = "lowpass"
	KindRename   Kind = "rename"
	KindRule     Kind = "rule"
	KindFilter   Kind = "filter"
	KindDedup    Kind = "dedup"
	KindThrottle Kind = "throttle"
	KindFusion   Kind = "fusion"

	KindConsole  Kind = "console"
	KindLog      Kind = "log"
	KindFile     Kind = "file"
	KindPostgres Kind = "postgres"
	KindMongoDB  Kind = "mongodb"
)

// Info describes a registered stage kind. Roles lists where in the graph the
// kind may appear; tcp, mqtt and kafka are both inputs and outputs.
type Info struct {
	Kind        string        `json:"kind"`
	Roles       []config.Role `json:"roles"`
	Description string        `json:"description"`
}

func (i Info) Allows(role config.Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Datastores hands out shared datastore clients. bootstrap.Connections
// satisfies it.
type Datastores interface {
	Redis(ctx context.Context) (*redis.Client, error)
	Postgres(ctx context.Context) (*sql.DB, error)
	Mongo(ctx context.Context) (*mongo.Database, error)
}

// Deps are the process-wide services a stage may use.
type Deps struct {
	Logger         logger.Logger
	Datastores     Datastores
	Retry          retry.Policy
	CircuitBreaker config.CircuitBreakerConfig
	Evaluator      *cel.Evaluator
	Stdout         io.Writer
}

// Spec is what a constructor receives for one stage.
type Spec struct {
	Name   string
	Role   config.Role
	Config config.StageConfig
}

// Constructor validates the parameters of one stage and builds its
// processor. Constructors must not connect to anything; that happens in
// Init.
type Constructor func(spec Spec, deps Deps) (stage.Processor, error)

type entry struct {
	info        Info
	constructor Constructor
}

type Registry struct {
	mu      sync.RWMutex
	deps    Deps
	entries map[string]entry
}

// NewRegistry returns a registry holding every built-in kind.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = retry.DefaultPolicy()
	}
	if deps.Evaluator == nil {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
		}
		deps.Evaluator = evaluator
	}

	r := &Registry{deps: deps, entries: make(map[string]entry)}
	for _, b := range builtins() {
		if err := r.Register(b.info, b.constructor); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func builtins() []entry {
	in := []config.Role{config.RoleInput}
	tr := []config.Role{config.RoleTransform}
	out := []config.Role{config.RoleOutput}
	both := []config.Role{config.RoleInput, config.RoleOutput}

	return []entry{
		{Info{string(KindSimulated), in, "generates random readings on an interval or cron schedule"}, newSimulated},
		{Info{string(KindMQTT), both, "subscribes to or publishes on an MQTT broker"}, byRole(newMQTTInput, newMQTTOutput)},
		{Info{string(KindTCP), both, "reads or writes length-prefixed JSON over TCP"}, byRole(newTCPInput, newTCPOutput)},
		{Info{string(KindKafka), both, "consumes from or produces to a Kafka topic"}, byRole(newKafkaInput, newKafkaOutput)},

		{Info{string(KindScale), tr, "multiplies a numeric field by a factor"}, newScale},
		{Info{string(KindLowpass), tr, "passes messages whose field is below a threshold"}, newLowpass},
		{Info{string(KindRename), tr, "renames payload fields"}, newRename},
		{Info{string(KindRule), tr, "applies conditional field actions"}, newRule},
		{Info{string(KindFilter), tr, "keeps messages matching a CEL expression"}, newFilter},
		{Info{string(KindDedup), tr, "drops messages already seen within a TTL"}, newDedup},
		{Info{string(KindThrottle), tr, "drops messages above a rate"}, newThrottle},
		{Info{string(KindFusion), tr, "merges every input onto one output"}, newFusion},

		{Info{string(KindConsole), out, "prints messages to stdout"}, newConsole},
		{Info{string(KindLog), out, "logs messages"}, newLog},
		{Info{string(KindFile), out, "appends messages to a file"}, newFile},
		{Info{string(KindPostgres), out, "inserts messages into a PostgreSQL table"}, newPostgres},
		{Info{string(KindMongoDB), out, "inserts messages into a MongoDB collection"}, newMongoDB},
	}
}

func byRole(input, output Constructor) Constructor {
	return func(spec Spec, deps Deps) (stage.Processor, error) {
		if spec.Role == config.RoleInput {
			return input(spec, deps)
		}
		return output(spec, deps)
	}
}

// Register adds a stage kind. Registering a kind twice is an error.
func (r *Registry) Register(info Info, constructor Constructor) error {
	if info.Kind == "" || constructor == nil {
		return fmt.Errorf("stage kind registration needs a name and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Kind]; exists {
		return fmt.Errorf("stage kind %q is already registered", info.Kind)
	}
	r.entries[info.Kind] = entry{info: info, constructor: constructor}
	return nil
}

func (r *Registry) Lookup(kind string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind]
	return e.info, ok
}

// List returns every registered kind sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Build constructs the processor for one stage. Every failure is a
// configuration error.
func (r *Registry) Build(spec Spec) (stage.Processor, error) {
	r.mu.RLock()
	e, ok := r.entries[spec.Config.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, configError(spec, fmt.Errorf("unknown stage type %q", spec.Config.Type))
	}
	if !e.info.Allows(spec.Role) {
		return nil, configError(spec, fmt.Errorf("stage type %q cannot be used as %s", spec.Config.Type, spec.Role))
	}

	deps := r.deps
	deps.Logger = deps.Logger.With("kind", spec.Config.Type)
	p, err := e.constructor(spec, deps)
	if err != nil {
		return nil, configError(spec, err)
	}
	return p, nil
}

func configError(spec Spec, err error) error {
	return liminalerrors.ErrConfig.
		WithDetail("stage", spec.Name).
		WithDetail("type", spec.Config.Type).
		WithDetail("message", fmt.Sprintf("stage %s is misconfigured", spec.Name)).
		WithCause(err)
}
