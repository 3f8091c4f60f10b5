package domain

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Stage struct {
	Name    string   `json:"name"`
	Actions []Action `json:"actions"`
}

// Kind is the kind shared by all actions of the stage, or empty if they differ.
func (self Stage) Kind() ActionKind {
	var kind ActionKind
	for i, action := range self.Actions {
		if i == 0 {
			kind = action.Kind
		} else if action.Kind != kind {
			return ""
		}
	}
	return kind
}

// Groups splits the actions by ascending run order.
// Actions within a group may run concurrently.
func (self Stage) Groups() [][]Action {
	byOrder := map[int][]Action{}
	for _, action := range self.Actions {
		byOrder[action.RunOrder] = append(byOrder[action.RunOrder], action)
	}

	orders := maps.Keys(byOrder)
	slices.Sort(orders)

	groups := make([][]Action, len(orders))
	for i, order := range orders {
		groups[i] = byOrder[order]
	}
	return groups
}

func (self Stage) Outputs() (outputs []ArtifactName) {
	for _, action := range self.Actions {
		outputs = append(outputs, action.Outputs...)
	}
	return
}
