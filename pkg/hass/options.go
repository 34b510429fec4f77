package hass

import "maps"

type callOptions struct {
	namespace      string
	payload        map[string]any
	title          *string
	notificationID *string
	notifyName     string
}

// Option tunes a single facade call.
type Option func(*callOptions)

func newCallOptions(opts []Option) callOptions {
	co := callOptions{payload: map[string]any{}}
	for _, o := range opts {
		o(&co)
	}
	return co
}

// InNamespace routes the call to namespace instead of the facade default.
func InNamespace(namespace string) Option {
	return func(co *callOptions) {
		co.namespace = namespace
	}
}

// WithPayload adds service data to the request body.
func WithPayload(payload map[string]any) Option {
	return func(co *callOptions) {
		maps.Copy(co.payload, payload)
	}
}

func WithData(key string, value any) Option {
	return func(co *callOptions) {
		co.payload[key] = value
	}
}

func WithTitle(title string) Option {
	return func(co *callOptions) {
		co.title = &title
	}
}

func WithNotificationID(id string) Option {
	return func(co *callOptions) {
		co.notificationID = &id
	}
}

// WithNotifyName targets notify/<name> instead of notify/notify.
func WithNotifyName(name string) Option {
	return func(co *callOptions) {
		co.notifyName = name
	}
}
