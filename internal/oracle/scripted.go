package oracle

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"gopkg.in/yaml.v3"
)

// Script is a fixed sequence of oracle turns, for offline runs and tests.
//
//	name: flats near metro
//	turns:
//	  - tool: fetch_fresh
//	    args: {area: Belém, kind: street_network}
//	  - tool: network_distance
//	    args: {network_dataset: $0.dataset_id, origin: [-9.2, 38.69], destination: [-9.21, 38.70]}
//	  - final:
//	      summary: Done.
//	      table_step: last
type Script struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Turns       []ScriptTurn `yaml:"turns"`
}

// ScriptTurn is either a tool invocation or a final answer.
type ScriptTurn struct {
	Message string                 `yaml:"message"`
	Tool    string                 `yaml:"tool"`
	Args    map[string]interface{} `yaml:"args"`
	Final   *ScriptFinal           `yaml:"final"`
}

// ScriptFinal is a final answer. TableStep and MapSteps accept step indexes or
// "last", meaning the latest successful step with a table or geometry.
type ScriptFinal struct {
	Summary   string        `yaml:"summary"`
	TableStep interface{}   `yaml:"table_step"`
	MapSteps  []interface{} `yaml:"map_steps"`
	WantMap   bool          `yaml:"want_map"`
	MapTitle  string        `yaml:"map_title"`
}

// LoadScript reads and validates a YAML script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open oracle script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML (or JSON) script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse oracle script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every turn is exactly one of tool or final, that the
// script ends with a final answer and that references only point backwards.
func (s *Script) Validate() error {
	if len(s.Turns) == 0 {
		return fmt.Errorf("script '%s' has no turns", s.Name)
	}
	for i, t := range s.Turns {
		if (t.Tool == "") == (t.Final == nil) {
			return fmt.Errorf("turn %d must have exactly one of 'tool' or 'final'", i)
		}
		if t.Final != nil && i != len(s.Turns)-1 {
			return fmt.Errorf("turn %d is final but is not the last turn", i)
		}
		for name, v := range t.Args {
			ref, ok := parseRef(v)
			if ok && ref.step >= i {
				return fmt.Errorf("turn %d argument '%s' references step %d, which has not run yet", i, name, ref.step)
			}
		}
	}
	if s.Turns[len(s.Turns)-1].Final == nil {
		return fmt.Errorf("script '%s' does not end with a final answer", s.Name)
	}
	return nil
}

// ScriptedOracle replays a script. The turn is chosen by transcript length, so
// one oracle can serve concurrent runs.
type ScriptedOracle struct {
	script *Script
}

func NewScriptedOracle(script *Script) *ScriptedOracle {
	return &ScriptedOracle{script: script}
}

// Converse implements geoscale.Oracle.
func (o *ScriptedOracle) Converse(ctx context.Context, req geoscale.OracleRequest) (*geoscale.OracleResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(req.Transcript)
	if n >= len(o.script.Turns) {
		return nil, fmt.Errorf("script '%s' exhausted after %d turns", o.script.Name, len(o.script.Turns))
	}
	turn := o.script.Turns[n]

	if turn.Final != nil {
		final, err := resolveFinal(turn.Final, req.Transcript)
		if err != nil {
			return nil, err
		}
		return &geoscale.OracleResponse{Message: turn.Message, Final: final}, nil
	}

	args := make(map[string]interface{}, len(turn.Args))
	for name, v := range turn.Args {
		resolved, err := resolveArg(v, req.Transcript)
		if err != nil {
			return nil, fmt.Errorf("turn %d argument '%s': %w", n, name, err)
		}
		args[name] = resolved
	}
	return &geoscale.OracleResponse{
		Message:    turn.Message,
		Invocation: &geoscale.ToolInvocation{Tool: turn.Tool, Args: args},
	}, nil
}

// stepRef is a "$<step>.<scalar>" reference to an earlier step's scalar output.
type stepRef struct {
	step   int
	scalar string
}

func parseRef(v interface{}) (stepRef, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return stepRef{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(s, "$"), ".", 2)
	if len(parts) != 2 {
		return stepRef{}, false
	}
	step, err := strconv.Atoi(parts[0])
	if err != nil || step < 0 {
		return stepRef{}, false
	}
	return stepRef{step: step, scalar: parts[1]}, true
}

func resolveArg(v interface{}, steps []geoscale.Step) (interface{}, error) {
	ref, ok := parseRef(v)
	if !ok {
		return v, nil
	}
	if ref.step >= len(steps) {
		return nil, fmt.Errorf("step %d has not run", ref.step)
	}
	obs := steps[ref.step].Observation
	if !obs.Success || obs.Payload == nil {
		return nil, fmt.Errorf("step %d did not succeed", ref.step)
	}
	val, ok := obs.Payload.Scalars[ref.scalar]
	if !ok {
		return nil, fmt.Errorf("step %d has no scalar '%s'", ref.step, ref.scalar)
	}
	return val, nil
}

func resolveFinal(f *ScriptFinal, steps []geoscale.Step) (*geoscale.FinalAnswer, error) {
	out := &geoscale.FinalAnswer{Summary: f.Summary, WantMap: f.WantMap, MapTitle: f.MapTitle}
	if f.TableStep != nil {
		idx, err := stepIndex(f.TableStep, steps, func(p *geoscale.Payload) bool { return p.Table != nil })
		if err != nil {
			return nil, fmt.Errorf("table_step: %w", err)
		}
		if idx >= 0 {
			out.TableStep = &idx
		}
	}
	for _, v := range f.MapSteps {
		idx, err := stepIndex(v, steps, func(p *geoscale.Payload) bool { return p.Geometry != nil && len(p.Geometry.Features) > 0 })
		if err != nil {
			return nil, fmt.Errorf("map_steps: %w", err)
		}
		if idx >= 0 {
			out.MapSteps = append(out.MapSteps, idx)
		}
	}
	return out, nil
}

// stepIndex resolves an index or "last"; -1 when "last" matches nothing.
func stepIndex(v interface{}, steps []geoscale.Step, match func(*geoscale.Payload) bool) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case string:
		if x != "last" {
			return 0, fmt.Errorf("expected a step index or 'last', got %q", x)
		}
		for i := len(steps) - 1; i >= 0; i-- {
			obs := steps[i].Observation
			if obs.Success && obs.Payload != nil && match(obs.Payload) {
				return i, nil
			}
		}
		return -1, nil
	}
	return 0, fmt.Errorf("expected a step index or 'last', got %T", v)
}
