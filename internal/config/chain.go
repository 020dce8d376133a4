package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aristath/taskchain/internal/adapter"
	"github.com/aristath/taskchain/internal/scheduler"
)

// PolicyFile is the chain policy as written in YAML.
type PolicyFile struct {
	Mode        string        `yaml:"mode,omitempty" validate:"omitempty,oneof=continue stop retry"`
	MaxAttempts int           `yaml:"max_attempts,omitempty" validate:"gte=0"`
	Backoff     time.Duration `yaml:"backoff,omitempty" validate:"gte=0"`
	Multiplier  float64       `yaml:"multiplier,omitempty" validate:"omitempty,gte=1"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty" validate:"gte=0"`
}

// TaskFile is one task entry as written in YAML.
type TaskFile struct {
	ID        string            `yaml:"id" validate:"required"`
	Name      string            `yaml:"name,omitempty"`
	Adapter   string            `yaml:"adapter" validate:"required"`
	Params    map[string]string `yaml:"params,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty" validate:"dive,required"`
	Enabled   *bool             `yaml:"enabled,omitempty"` // Unset means enabled
	Timeout   time.Duration     `yaml:"timeout,omitempty" validate:"gte=0"`
	Resources []string          `yaml:"resources,omitempty" validate:"dive,required"`
}

// ChainFile is the on-disk chain declaration.
type ChainFile struct {
	Name        string                    `yaml:"name" validate:"required"`
	Description string                    `yaml:"description,omitempty"`
	Policy      PolicyFile                `yaml:"policy,omitempty"`
	Concurrency int                       `yaml:"concurrency,omitempty" validate:"gte=0"`
	Variables   map[string]string         `yaml:"variables,omitempty"`
	Adapters    map[string]adapter.Config `yaml:"adapters,omitempty" validate:"dive"`
	Tasks       []TaskFile                `yaml:"tasks" validate:"required,min=1,dive"`
}

// Chain is a loaded, substituted chain ready for BuildGraph.
type Chain struct {
	Name        string
	Description string
	Path        string
	Policy      scheduler.ChainPolicy
	Concurrency int // 0 means use the settings value
	Variables   map[string]string
	Adapters    map[string]adapter.Config // Settings adapters with chain adapters merged over them
	Tasks       []scheduler.TaskDescriptor
}

// Graph validates the chain's tasks into a dependency graph.
func (c *Chain) Graph() (*scheduler.Graph, error) {
	return scheduler.BuildGraph(c.Tasks)
}

// Registry returns an adapter registry with every adapter reference the chain can see.
func (c *Chain) Registry(pm *adapter.ProcessManager) *adapter.Registry {
	reg := adapter.NewRegistry(pm)
	for ref, cfg := range c.Adapters {
		reg.Define(ref, cfg)
	}
	return reg
}

var validate = validator.New()

// ChainOption adjusts how a chain is parsed.
type ChainOption func(*chainOptions)

type chainOptions struct {
	overrides map[string]string
}

// WithVariables sets chain variables ahead of substitution, replacing any
// value the chain declares for the same name.
func WithVariables(vars map[string]string) ChainOption {
	return func(o *chainOptions) {
		if o.overrides == nil {
			o.overrides = make(map[string]string, len(vars))
		}
		for k, v := range vars {
			o.overrides[k] = v
		}
	}
}

// LoadChain reads, validates and substitutes a chain file.
// settings may be nil; its adapters are visible to the chain unless the chain redefines them.
func LoadChain(path string, settings *Settings, opts ...ChainOption) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chain %s: %w", path, err)
	}

	env, err := chainEnv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}

	chain, err := ParseChain(data, settings, env, opts...)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", path, err)
	}
	chain.Path = path
	return chain, nil
}

// ParseChain parses a chain declaration. env resolves ${env.X}; nil uses the process environment.
func ParseChain(data []byte, settings *Settings, env func(string) (string, bool), opts ...ChainOption) (*Chain, error) {
	if env == nil {
		env = os.LookupEnv
	}
	var o chainOptions
	for _, opt := range opts {
		opt(&o)
	}

	var file ChainFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing chain: %w", err)
	}

	if err := validateStruct(&file); err != nil {
		return nil, fmt.Errorf("invalid chain: %w", err)
	}

	// Variables may reference the environment but not each other
	envOnly := newExpander(nil, env)
	vars := envOnly.expandMap(file.Variables)
	if err := envOnly.err(); err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]string{}
	}
	for k, v := range o.overrides {
		vars[k] = v
	}

	x := newExpander(vars, env)

	adapters := make(map[string]adapter.Config)
	if settings != nil {
		for ref, cfg := range settings.Adapters {
			adapters[ref] = cfg
		}
	}
	declared := make(map[string]adapter.Config, len(file.Adapters))
	for ref, cfg := range file.Adapters {
		declared[ref] = expandAdapter(x, cfg)
	}
	if err := mergo.Merge(&adapters, declared, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging adapters: %w", err)
	}

	tasks := make([]scheduler.TaskDescriptor, 0, len(file.Tasks))
	for _, t := range file.Tasks {
		enabled := t.Enabled == nil || *t.Enabled
		tasks = append(tasks, scheduler.TaskDescriptor{
			ID:        t.ID,
			Name:      x.expand(t.Name),
			Adapter:   t.Adapter,
			Params:    x.expandMap(t.Params),
			DependsOn: t.DependsOn,
			Enabled:   enabled,
			Timeout:   t.Timeout,
			Resources: t.Resources,
		})
	}
	if err := x.err(); err != nil {
		return nil, err
	}

	policy := scheduler.ChainPolicy{
		Mode:              scheduler.PolicyMode(file.Policy.Mode),
		MaxAttempts:       file.Policy.MaxAttempts,
		Backoff:           file.Policy.Backoff,
		BackoffMultiplier: file.Policy.Multiplier,
		MaxBackoff:        file.Policy.MaxBackoff,
	}
	if policy.Mode == "" {
		policy.Mode = scheduler.PolicyContinue
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return &Chain{
		Name:        file.Name,
		Description: file.Description,
		Policy:      policy,
		Concurrency: file.Concurrency,
		Variables:   vars,
		Adapters:    adapters,
		Tasks:       tasks,
	}, nil
}

func expandAdapter(x *expander, cfg adapter.Config) adapter.Config {
	cfg.Command = x.expand(cfg.Command)
	cfg.Args = x.expandAll(cfg.Args)
	cfg.WorkDir = x.expand(cfg.WorkDir)
	cfg.Env = x.expandMap(cfg.Env)
	cfg.Interpreter = x.expand(cfg.Interpreter)
	cfg.InterpreterArgs = x.expandAll(cfg.InterpreterArgs)
	cfg.Script = x.expand(cfg.Script)
	return cfg
}

// chainEnv returns a lookup over the process environment, falling back to the
// .env file next to the chain. Process values win.
func chainEnv(dotenvPath string) (func(string) (string, bool), error) {
	fileEnv, err := godotenv.Read(dotenvPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", dotenvPath, err)
		}
		fileEnv = nil
	}
	return func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		v, ok := fileEnv[name]
		return v, ok
	}, nil
}

// validateStruct runs struct tag validation and flattens the errors into one message.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest // drop the root type name
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
