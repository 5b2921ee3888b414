package vkengine

import "fmt"

// Usage is a freeform property bag a collaborator (scene graph, GUI,
// domain plugin) can attach to a resource tag without the core needing
// to know its shape. It corresponds to JSON object notation and is the
// teacher's own usage-description type, generalized from per-instance
// config into a general-purpose tag carrier. Nothing in the core reads
// it: SubAllocation.Tag and pool resource names are plain strings.
type Usage struct {
	Name        string
	StringProps map[string]string
	IntProps    map[string]int
	BoolProps   map[string]bool
	FloatProps  map[string]float32
	Linked      *Usage
}

func NewUsage(name string) *Usage {
	return &Usage{
		Name:        name,
		StringProps: make(map[string]string),
		IntProps:    make(map[string]int),
		BoolProps:   make(map[string]bool),
		FloatProps:  make(map[string]float32),
	}
}

func (u *Usage) HasNext() bool { return u.Linked != nil }

func (u *Usage) GetLinkedUsage() (*Usage, error) {
	if !u.HasNext() {
		return nil, fmt.Errorf("usage %q has no linked usage", u.Name)
	}
	return u.Linked, nil
}

// String renders the usage tree depth-first, for debug logging.
func (u *Usage) String() string {
	s := fmt.Sprintf("%s{str=%v bool=%v int=%v float=%v}", u.Name, u.StringProps, u.BoolProps, u.IntProps, u.FloatProps)
	if u.HasNext() {
		s += " -> " + u.Linked.String()
	}
	return s
}
