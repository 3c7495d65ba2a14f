package operator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownOperator is returned by Resolve for unregistered names.
var ErrUnknownOperator = errors.New("unknown operator")

// Info pairs an operator name with its description.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry maps operator names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

// NewRegistry creates an empty operator registry.
func NewRegistry() *Registry {
	return &Registry{
		operators: make(map[string]Operator),
	}
}

// NewDefaultRegistry returns a registry with the built-in operators.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("echo", Echo{})
	r.Register("sleep", Sleep{})
	r.Register("fail", Fail{})
	return r
}

// Register adds an operator under name, replacing any previous one.
func (r *Registry) Register(name string, op Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[name] = op
}

// Resolve returns the operator registered under name.
func (r *Registry) Resolve(name string) (Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}
	return op, nil
}

// List returns all registered operators sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.operators))
	for name, op := range r.operators {
		infos = append(infos, Info{Name: name, Description: op.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
