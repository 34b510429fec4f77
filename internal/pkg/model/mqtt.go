package model

import (
	"time"

	"github.com/anicoll/hass-automation/pkg/entity"
)

// StateMessage is the retained payload published on <prefix>/<type>/<name>/state.
type StateMessage struct {
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func NewStateMessage(rec entity.Record, now time.Time) StateMessage {
	return StateMessage{
		State:      rec.State,
		Attributes: rec.Attributes,
		Timestamp:  now,
	}
}

func (m StateMessage) Record() entity.Record {
	return entity.Record{State: m.State, Attributes: m.Attributes}.Clone()
}
