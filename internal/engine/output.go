package engine

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/transform"
)

// AssembleOutput builds the declared run output from the final step states.
// With a single source the output is that step's result. With several, the
// json format is an object keyed by step id holding whichever sources
// succeeded; merge and text need every source and produce nothing otherwise.
// incomplete is true when any source did not succeed. A transform failure
// returns no output, incomplete set, and the error.
func AssembleOutput(g *flow.Graph, steps []model.StepState) (out json.RawMessage, incomplete bool, err error) {
	byID := make(map[string]model.StepState, len(steps))
	for _, st := range steps {
		byID[st.StepID] = st
	}

	sources := g.OutputSources()
	values := make([]transform.Value, 0, len(sources))
	for _, id := range sources {
		st, ok := byID[id]
		if !ok || st.Status != model.StepSucceeded {
			incomplete = true
			continue
		}
		values = append(values, transform.Value{Name: id, Data: st.Result})
	}
	if len(values) == 0 {
		return nil, len(sources) > 0, nil
	}

	format := g.Output().EffectiveFormat()
	if incomplete && format != model.OutputFormatJSON {
		return nil, true, nil
	}

	var raw json.RawMessage
	switch format {
	case model.OutputFormatMerge:
		raw, err = transform.Apply(transform.Merge, transform.Input{Values: values})
	case model.OutputFormatText:
		raw, err = transform.Apply(transform.Concat, transform.Input{Values: values})
	default:
		if len(sources) == 1 {
			raw, err = transform.Apply(transform.Passthrough, transform.Input{Values: values})
		} else {
			raw, err = keyedObject(values)
		}
	}
	if err != nil {
		return nil, true, fmt.Errorf("assemble %s output: %w", format, err)
	}
	return raw, incomplete, nil
}

func keyedObject(values []transform.Value) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage, len(values))
	for _, v := range values {
		obj[v.Name] = v.Data
	}
	return json.Marshal(obj)
}
