package state

import (
	"strings"

	"github.com/anicoll/hass-automation/pkg/entity"
)

type Kind int

const (
	KindAll Kind = iota
	KindDomain
	KindEntity
)

// Result is the answer to Query. Entities is set for KindAll and KindDomain,
// Record for KindEntity.
type Result struct {
	Kind     Kind
	Entities map[string]entity.Record
	Record   entity.Record
}

// Query resolves a filter the way automation code addresses state: an empty
// filter returns the namespace, a bare device type returns its slice and a
// full entity id returns that record or ErrNotFound.
func (s *Store) Query(namespace, filter string) (Result, error) {
	switch {
	case filter == "":
		return Result{Kind: KindAll, Entities: s.All(namespace)}, nil
	case !strings.Contains(filter, "."):
		return Result{Kind: KindDomain, Entities: s.Domain(namespace, filter)}, nil
	}
	if err := entity.Validate(filter); err != nil {
		return Result{}, err
	}
	rec, err := s.Get(namespace, filter)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: KindEntity, Record: rec}, nil
}
