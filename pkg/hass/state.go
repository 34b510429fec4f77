package hass

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/state"
)

// GetState returns the record of a single entity, or state.ErrNotFound.
func (h *Hass) GetState(entityID string, opts ...Option) (entity.Record, error) {
	ns, _ := h.resolve(opts)
	if err := entity.Validate(entityID); err != nil {
		return entity.Record{}, err
	}
	return h.store.Get(ns, entityID)
}

func (h *Hass) GetAttribute(entityID, attribute string, opts ...Option) (any, error) {
	ns, _ := h.resolve(opts)
	if err := entity.Validate(entityID); err != nil {
		return nil, err
	}
	return h.store.Attribute(ns, entityID, attribute)
}

// States returns every record of the namespace.
func (h *Hass) States(opts ...Option) map[string]entity.Record {
	ns, _ := h.resolve(opts)
	return h.store.All(ns)
}

// DomainStates returns the records whose device type is deviceType.
func (h *Hass) DomainStates(deviceType string, opts ...Option) map[string]entity.Record {
	ns, _ := h.resolve(opts)
	return h.store.Domain(ns, deviceType)
}

// Query resolves a filter that is empty, a device type or a full entity id.
func (h *Hass) Query(filter string, opts ...Option) (state.Result, error) {
	ns, _ := h.resolve(opts)
	return h.store.Query(ns, filter)
}

func (h *Hass) Exists(entityID string, opts ...Option) bool {
	ns, _ := h.resolve(opts)
	return h.store.Exists(ns, entityID)
}

// Entities returns a read-only view of the namespace state.
func (h *Hass) Entities(opts ...Option) state.View {
	ns, _ := h.resolve(opts)
	return h.store.Entities(ns)
}

func (h *Hass) SplitEntity(entityID string) (deviceType, name string, err error) {
	return entity.Split(entityID)
}

func (h *Hass) SplitDeviceList(list string) []string {
	return strings.Split(list, ",")
}

// SetState merges update into the cached record of entityID, pushes the result
// to the namespace transport and then stores it. Concurrent writers to the same
// entity are serialised; a failed push leaves the cached record untouched.
func (h *Hass) SetState(ctx context.Context, entityID string, update entity.Update, opts ...Option) (entity.Record, error) {
	ns, _ := h.resolve(opts)
	if err := entity.Validate(entityID); err != nil {
		return entity.Record{}, err
	}
	t, err := h.transport(ns)
	if err != nil {
		return entity.Record{}, err
	}

	h.logger.Debug("set_state",
		zap.String("namespace", ns),
		zap.String("entity_id", entityID),
		zap.Any("state", update.State),
		zap.Any("attributes", update.Attributes),
	)

	return h.store.Update(ctx, ns, entityID, func(ctx context.Context, current entity.Record, _ bool) (entity.Record, error) {
		next := current.Merge(update)
		if err := t.PushState(ctx, entityID, next); err != nil {
			return entity.Record{}, err
		}
		return next, nil
	})
}
