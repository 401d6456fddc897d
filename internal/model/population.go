package model

import (
	"encoding/json"
	"fmt"
)

// Population is the ordered agent_id -> Agent mapping carried by a
// SimulationState. Iteration order is creation order and keys never change
// for the lifetime of a run, so the index is shared between clones.
type Population struct {
	agents []Agent
	index  map[string]int
}

// PopulationOf builds a population from agents in creation order.
func PopulationOf(agents ...Agent) (*Population, error) {
	p := &Population{
		agents: make([]Agent, len(agents)),
		index:  make(map[string]int, len(agents)),
	}
	for i, a := range agents {
		if a.ID == "" {
			return nil, fmt.Errorf("population: agent %d has empty id", i)
		}
		if _, dup := p.index[a.ID]; dup {
			return nil, fmt.Errorf("population: duplicate agent id %q", a.ID)
		}
		p.index[a.ID] = i
		p.agents[i] = a
	}
	return p, nil
}

// Len returns the number of agents.
func (p *Population) Len() int {
	if p == nil {
		return 0
	}
	return len(p.agents)
}

// At returns the i-th agent in creation order.
func (p *Population) At(i int) Agent {
	return p.agents[i]
}

// Get returns the agent with the given ID.
func (p *Population) Get(id string) (Agent, bool) {
	i, ok := p.index[id]
	if !ok {
		return Agent{}, false
	}
	return p.agents[i], true
}

// Set replaces the record of an existing agent. The key set is fixed, so
// setting an unknown ID is an error.
func (p *Population) Set(a Agent) error {
	i, ok := p.index[a.ID]
	if !ok {
		return fmt.Errorf("population: unknown agent id %q", a.ID)
	}
	p.agents[i] = a
	return nil
}

// Clone returns an independent copy. Agent records are values, so copying
// the slice is a deep copy of everything that can change.
func (p *Population) Clone() *Population {
	agents := make([]Agent, len(p.agents))
	copy(agents, p.agents)
	return &Population{agents: agents, index: p.index}
}

// Agents returns a copy of the records in creation order.
func (p *Population) Agents() []Agent {
	out := make([]Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

// IDs returns the agent IDs in creation order.
func (p *Population) IDs() []string {
	ids := make([]string, len(p.agents))
	for i, a := range p.agents {
		ids[i] = a.ID
	}
	return ids
}

// MarshalJSON encodes the population as an array in creation order.
func (p *Population) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.agents)
}

// UnmarshalJSON decodes an array produced by MarshalJSON.
func (p *Population) UnmarshalJSON(data []byte) error {
	var agents []Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return err
	}
	decoded, err := PopulationOf(agents...)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}
