package model

import (
	"encoding/json"
	"time"

	"github.com/anicoll/hass-automation/pkg/entity"
)

type MessageType string

const (
	AuthRequired    MessageType = "auth_required"
	Auth            MessageType = "auth"
	AuthOK          MessageType = "auth_ok"
	AuthInvalid     MessageType = "auth_invalid"
	Result          MessageType = "result"
	EventMessage    MessageType = "event"
	GetStates       MessageType = "get_states"
	SubscribeEvents MessageType = "subscribe_events"
)

const StateChanged = "state_changed"

func (m MessageType) String() string {
	return string(m)
}

// Message is the envelope of every frame the hub sends.
type Message struct {
	ID      int64           `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
	Version string          `json:"ha_version,omitempty"`
}

type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return e.Code + ": " + e.Message
}

type AuthRequest struct {
	Type        MessageType `json:"type"`
	AccessToken string      `json:"access_token"`
}

type Command struct {
	ID   int64       `json:"id"`
	Type MessageType `json:"type"`
}

type SubscribeEventsRequest struct {
	Command
	EventType string `json:"event_type,omitempty"`
}

type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// State is a hub state object as returned by get_states and state_changed.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       any            `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

func (s State) Record() entity.Record {
	return entity.Record{State: s.State, Attributes: s.Attributes}.Clone()
}

// Records indexes a get_states result by entity id.
func Records(states []State) map[string]entity.Record {
	out := make(map[string]entity.Record, len(states))
	for _, s := range states {
		out[s.EntityID] = s.Record()
	}
	return out
}
