package action

import "fmt"

// Handler applies one kind of action. It must leave the world untouched unless
// c.Exec() is true, and must return the same Cost in both modes when nothing
// else changed in between.
type Handler interface {
	Apply(c *Call, env Envelope) Cost
}

type HandlerFunc func(c *Call, env Envelope) Cost

func (f HandlerFunc) Apply(c *Call, env Envelope) Cost { return f(c, env) }

// Registry binds every Kind to its handler.
type Registry struct {
	handlers [KindCount]Handler
}

// NewRegistry fails unless hs covers every kind exactly.
func NewRegistry(hs map[Kind]Handler) (*Registry, error) {
	r := &Registry{}
	for k, h := range hs {
		if k >= KindCount {
			return nil, fmt.Errorf("register kind %d: out of range", k)
		}
		if h == nil {
			return nil, fmt.Errorf("register %s: nil handler", k)
		}
		r.handlers[k] = h
	}
	for k := Kind(0); k < KindCount; k++ {
		if r.handlers[k] == nil {
			return nil, fmt.Errorf("register: no handler for %s", k)
		}
	}
	return r, nil
}

func (r *Registry) lookup(k Kind) (Definition, Handler, bool) {
	if k >= KindCount {
		return Definition{}, nil, false
	}
	return definitions[k], r.handlers[k], true
}
