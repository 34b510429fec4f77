package hass

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/anicoll/hass-automation/pkg/entity"
)

const homeState = "home"

func isHome(rec entity.Record) bool {
	return rec.StateString() == homeState
}

// Trackers lists the device_tracker entity ids of the namespace.
func (h *Hass) Trackers(opts ...Option) []string {
	ids := lo.Keys(h.TrackerDetails(opts...))
	slices.Sort(ids)
	return ids
}

func (h *Hass) TrackerDetails(opts ...Option) map[string]entity.Record {
	return h.DomainStates(entity.DeviceTracker, opts...)
}

func (h *Hass) TrackerState(entityID string, opts ...Option) (entity.Record, error) {
	return h.GetState(entityID, opts...)
}

func (h *Hass) AnyoneHome(opts ...Option) bool {
	return lo.SomeBy(lo.Values(h.TrackerDetails(opts...)), isHome)
}

// EveryoneHome is true when every tracker is home, including when there are none.
func (h *Hass) EveryoneHome(opts ...Option) bool {
	return lo.EveryBy(lo.Values(h.TrackerDetails(opts...)), isHome)
}

func (h *Hass) NoOneHome(opts ...Option) bool {
	return lo.NoneBy(lo.Values(h.TrackerDetails(opts...)), isHome)
}

// FriendlyName returns the friendly_name attribute of entityID, the id itself
// when the attribute is missing, and state.ErrNotFound for unknown entities.
func (h *Hass) FriendlyName(entityID string, opts ...Option) (string, error) {
	rec, err := h.GetState(entityID, opts...)
	if err != nil {
		return "", err
	}
	name, ok := rec.Attribute(entity.FriendlyNameAttribute)
	if !ok || name == nil {
		return entityID, nil
	}
	if s, ok := name.(string); ok {
		return s, nil
	}
	return fmt.Sprint(name), nil
}
