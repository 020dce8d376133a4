package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// referencePattern matches ${variables.name} and ${env.NAME}.
var referencePattern = regexp.MustCompile(`\$\{(variables|env)\.([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// UndefinedEnvError reports ${env.X} references with no value.
type UndefinedEnvError struct {
	Names []string
}

func (e *UndefinedEnvError) Error() string {
	return fmt.Sprintf("undefined environment variables: %s", strings.Join(e.Names, ", "))
}

// ExpandVariables replaces ${variables.name} references found in vars.
// Unknown references are left intact so later tasks can still fill them.
func ExpandVariables(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return referencePattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := referencePattern.FindStringSubmatch(ref)
		if m[1] != "variables" {
			return ref
		}
		if v, ok := vars[m[2]]; ok {
			return v
		}
		return ref
	})
}

// expander substitutes chain variables and environment values in declaration strings.
type expander struct {
	vars    map[string]string
	env     func(string) (string, bool)
	missing map[string]bool
}

func newExpander(vars map[string]string, env func(string) (string, bool)) *expander {
	return &expander{vars: vars, env: env, missing: make(map[string]bool)}
}

func (x *expander) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return referencePattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := referencePattern.FindStringSubmatch(ref)
		switch m[1] {
		case "env":
			if v, ok := x.env(m[2]); ok {
				return v
			}
			x.missing[m[2]] = true
			return ""
		default:
			if v, ok := x.vars[m[2]]; ok {
				return v
			}
			return ref
		}
	})
}

func (x *expander) expandAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = x.expand(s)
	}
	return out
}

func (x *expander) expandMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = x.expand(v)
	}
	return out
}

func (x *expander) err() error {
	if len(x.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(x.missing))
	for name := range x.missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return &UndefinedEnvError{Names: names}
}
