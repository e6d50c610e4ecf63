package types

import "encoding/json"

// Transition is a directed edge between two activities of a definition.
type Transition struct {
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	Condition string `json:"condition,omitempty"` // optional boolean expression, empty means always
}

// ActivityDocument is the portable form of one activity: a stable type key
// and the JSON body of the concrete activity value.
type ActivityDocument struct {
	Type string          `json:"type" validate:"required"`
	Body json.RawMessage `json:"body" validate:"required"`
}

// DefinitionDocument is the portable form of a workflow definition.
type DefinitionDocument struct {
	Name        string             `json:"name,omitempty"`
	Start       string             `json:"start" validate:"required"`
	Activities  []ActivityDocument `json:"activities" validate:"required,min=1,dive"`
	Transitions []Transition       `json:"transitions" validate:"dive"`
}

// JoinArrivals lists the sources that already arrived at a pending join.
type JoinArrivals struct {
	Join    string   `json:"join" validate:"required"`
	Sources []string `json:"sources" validate:"required,min=1,dive,required"`
}

// DataEntry is one resolved per-activity data object.
type DataEntry struct {
	Activity string          `json:"activity" validate:"required"`
	Type     string          `json:"type" validate:"required"`
	Value    json.RawMessage `json:"value" validate:"required"`
}

// InstanceDocument is the portable form of a workflow instance.
type InstanceDocument struct {
	ID         uint64         `json:"id"`
	Definition string         `json:"definition,omitempty"`
	Current    []string       `json:"current"`
	Failed     []string       `json:"failed,omitempty"`
	Arrivals   []JoinArrivals `json:"arrivals,omitempty" validate:"dive"`
	Data       []DataEntry    `json:"data,omitempty" validate:"dive"`
}

// DefinitionRecord is a stored definition snapshot.
type DefinitionRecord struct {
	Name      string `json:"name" validate:"required"`
	Body      string `json:"body" validate:"required"`
	UpdatedAt int64  `json:"updated_at"`
}

// InstanceRecord is a stored instance snapshot.
type InstanceRecord struct {
	ID         uint64 `json:"id" validate:"gt=0"`
	Definition string `json:"definition" validate:"required"`
	Completed  bool   `json:"completed"`
	Body       string `json:"body" validate:"required"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}
