package hass

import (
	"context"
	"fmt"
	"maps"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/anicoll/hass-automation/pkg/dispatch"
	"github.com/anicoll/hass-automation/pkg/entity"
	"github.com/anicoll/hass-automation/pkg/guard"
)

const (
	homeassistantDomain = "homeassistant"

	serviceTurnOn  = "turn_on"
	serviceTurnOff = "turn_off"
	serviceToggle  = "toggle"
)

// CallService invokes "domain/action" with the payload given through options.
// Malformed service names fail before any network attempt.
func (h *Hass) CallService(ctx context.Context, service string, opts ...Option) (Result, error) {
	domain, action, err := dispatch.ParseService(service)
	if err != nil {
		return Result{}, err
	}
	ns, co := h.resolve(opts)
	return h.callService(ctx, ns, domain, action, co.payload)
}

func (h *Hass) callService(ctx context.Context, ns, domain, action string, payload map[string]any) (Result, error) {
	op := guard.Wrap(h.guard, ns, "call_service "+domain+"/"+action, Skipped)(func(ctx context.Context) (Result, error) {
		t, err := h.transport(ns)
		if err != nil {
			return Result{}, err
		}
		h.logger.Debug("call_service",
			zap.String("namespace", ns),
			zap.String("domain", domain),
			zap.String("action", action),
			zap.Any("payload", payload),
		)
		body, err := h.dispatcher.CallService(ctx, t.Endpoint(), domain, action, payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Body: body}, nil
	})
	return op(ctx)
}

// FireEvent posts an event to the hub event bus.
func (h *Hass) FireEvent(ctx context.Context, event string, opts ...Option) (Result, error) {
	ns, co := h.resolve(opts)
	op := guard.Wrap(h.guard, ns, "fire_event "+event, Skipped)(func(ctx context.Context) (Result, error) {
		t, err := h.transport(ns)
		if err != nil {
			return Result{}, err
		}
		h.logger.Debug("fire_event",
			zap.String("namespace", ns),
			zap.String("event", event),
			zap.Any("payload", co.payload),
		)
		body, err := h.dispatcher.FireEvent(ctx, t.Endpoint(), event, co.payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Body: body}, nil
	})
	return op(ctx)
}

// entityCall calls domain/action for entityID. Caller payload keys are kept,
// the positional values (entity_id and friends) always win.
func (h *Hass) entityCall(ctx context.Context, entityID, domain, action string, positional map[string]any, opts []Option) (Result, error) {
	if err := entity.Validate(entityID); err != nil {
		return Result{}, err
	}
	ns, co := h.resolve(opts)
	payload := maps.Clone(co.payload)
	maps.Copy(payload, positional)
	payload["entity_id"] = entityID
	return h.callService(ctx, ns, domain, action, payload)
}

func (h *Hass) TurnOn(ctx context.Context, entityID string, opts ...Option) (Result, error) {
	return h.entityCall(ctx, entityID, homeassistantDomain, serviceTurnOn, nil, opts)
}

// TurnOff turns an entity off. Scenes have no off state and are activated
// through turn_on instead.
func (h *Hass) TurnOff(ctx context.Context, entityID string, opts ...Option) (Result, error) {
	action := serviceTurnOff
	if entity.DeviceType(entityID) == entity.Scene {
		action = serviceTurnOn
	}
	return h.entityCall(ctx, entityID, homeassistantDomain, action, nil, opts)
}

func (h *Hass) Toggle(ctx context.Context, entityID string, opts ...Option) (Result, error) {
	return h.entityCall(ctx, entityID, homeassistantDomain, serviceToggle, nil, opts)
}

func (h *Hass) SelectValue(ctx context.Context, entityID string, value any, opts ...Option) (Result, error) {
	return h.entityCall(ctx, entityID, "input_slider", "select_value", map[string]any{"value": value}, opts)
}

func (h *Hass) SelectOption(ctx context.Context, entityID, option string, opts ...Option) (Result, error) {
	return h.entityCall(ctx, entityID, "input_select", "select_option", map[string]any{"option": option}, opts)
}

// Notify sends message through notify/<name>, or notify/notify without a name.
// The name is used verbatim and must be a lower case slug such as
// "mobile_app_pixel".
func (h *Hass) Notify(ctx context.Context, message string, opts ...Option) (Result, error) {
	ns, co := h.resolve(opts)
	action := "notify"
	if co.notifyName != "" {
		if !slug.IsSlug(co.notifyName) {
			return Result{}, fmt.Errorf("%w: notify/%s", dispatch.ErrInvalidServiceName, co.notifyName)
		}
		action = co.notifyName
	}
	payload := maps.Clone(co.payload)
	payload["message"] = message
	return h.callService(ctx, ns, "notify", action, payload)
}

func (h *Hass) PersistentNotification(ctx context.Context, message string, opts ...Option) (Result, error) {
	ns, co := h.resolve(opts)
	payload := maps.Clone(co.payload)
	payload["message"] = message
	if co.title != nil {
		payload["title"] = *co.title
	}
	if co.notificationID != nil {
		payload["notification_id"] = *co.notificationID
	}
	return h.callService(ctx, ns, "persistent_notification", "create", payload)
}
