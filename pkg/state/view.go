package state

import (
	"slices"

	"github.com/samber/lo"

	"github.com/anicoll/hass-automation/pkg/entity"
)

// View is a read-only window onto one namespace of a Store. Every call reads
// the live store, so a View never goes stale.
type View struct {
	store     *Store
	namespace string
}

func (s *Store) Entities(namespace string) View {
	return View{store: s, namespace: namespace}
}

func (v View) Namespace() string {
	return v.namespace
}

func (v View) Get(id string) (entity.Record, error) {
	return v.store.Get(v.namespace, id)
}

func (v View) State(id string) (any, error) {
	rec, err := v.store.Get(v.namespace, id)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

func (v View) Attribute(id, key string) (any, error) {
	return v.store.Attribute(v.namespace, id, key)
}

func (v View) IDs() []string {
	ids := lo.Keys(v.store.All(v.namespace))
	slices.Sort(ids)
	return ids
}

func (v View) Len() int {
	return len(v.store.All(v.namespace))
}
