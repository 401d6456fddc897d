// Package pipeline applies ordered state-update blocks to a
// SimulationState.
//
// Each block runs its policies first, all against the same input state,
// and combines their outputs into one Signal. The block's state variables
// are then updated from that signal, one key/value pair per updater, and
// merged into the next state. Blocks run strictly in order, so block N+1
// sees the merged output of block N.
package pipeline

import (
	"fmt"

	"github.com/atmx/option-sim/internal/model"
)

// Signal is the combined output of a block's policies.
type Signal map[string]any

// PolicyFunc computes part of a block's signal from the run parameters, the
// full state history so far and the current state.
type PolicyFunc func(p *Params, history []model.SimulationState, prev model.SimulationState) (Signal, error)

// UpdateFunc computes the new value of one state variable from the block's
// signal and the current state.
type UpdateFunc func(p *Params, s Signal, prev model.SimulationState) (key string, value any, err error)

// Block is one stage of the pipeline.
type Block struct {
	Description string
	Policies    []PolicyFunc
	Variables   []UpdateFunc
}

// Apply runs blocks over prev to produce the state of the next timestep.
// history holds every state of the run up to and including prev. The
// returned signal is the union of every block's signal, for observers.
func Apply(blocks []Block, p *Params, history []model.SimulationState, prev model.SimulationState) (model.SimulationState, Signal, error) {
	next := prev.Next()
	all := Signal{}

	for _, b := range blocks {
		signal := Signal{}
		for _, policy := range b.Policies {
			s, err := policy(p, history, next)
			if err != nil {
				return prev, all, fmt.Errorf("%s: %w", b.Description, err)
			}
			for k, v := range s {
				if _, dup := signal[k]; dup {
					return prev, all, fmt.Errorf("%s: signal %q produced twice", b.Description, k)
				}
				signal[k] = v
			}
		}

		type update struct {
			key   string
			value any
		}
		updates := make([]update, 0, len(b.Variables))
		for _, variable := range b.Variables {
			key, value, err := variable(p, signal, next)
			if err != nil {
				return prev, all, fmt.Errorf("%s: %w", b.Description, err)
			}
			updates = append(updates, update{key, value})
		}
		for _, u := range updates {
			merged, err := next.With(u.key, u.value)
			if err != nil {
				return prev, all, fmt.Errorf("%s: %w", b.Description, err)
			}
			next = merged
		}

		for k, v := range signal {
			all[k] = v
		}
	}
	return next, all, nil
}
