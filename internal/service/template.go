package service

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/troupehq/troupe/internal/domain/run"
)

// tokenPattern matches {{token}} placeholders, tolerating inner whitespace.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// renderTemplate substitutes {{token}} placeholders with values from vars.
// Unknown tokens are left untouched so a template typo stays visible in the
// output instead of silently vanishing.
func renderTemplate(tmpl string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := tokenPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// templateVars builds the substitution set for an action: the caller's run
// context, every scalar global, the resolved input, the run's raw user text
// and the phase output so far. Globals shadow same-named context keys;
// reserved names win over both.
func templateVars(r *run.Run, ps *run.PhaseState, input string) map[string]string {
	vars := make(map[string]string, len(r.Context)+len(r.Globals)+4)
	for k, v := range r.Context {
		vars[k] = stringify(v)
	}
	for k, v := range r.Globals {
		if k == run.GlobalsCustomKey {
			continue
		}
		vars[k] = stringify(v)
	}
	for k, v := range r.CustomGlobals() {
		vars["custom."+k] = stringify(v)
	}
	vars["input"] = input
	vars["user_input"] = r.UserInput
	if ps != nil {
		vars["phase_input"] = ps.Input
		vars["phase_output"] = ps.Output
	}
	return vars
}

// stringify renders a globals value as text: strings pass through, structured
// values become JSON, everything else falls back to fmt.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
