// Package registry holds the named proxy instances and their policies.
// The table is immutable after load; reconfiguration swaps the whole map
// atomically so readers never block and never observe a partial update.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/netclass"
)

// RestrictOut names the outbound network policy of an instance.
type RestrictOut string

const (
	RestrictAny      RestrictOut = "any"
	RestrictExternal RestrictOut = "external"
	RestrictInternal RestrictOut = "internal"
	RestrictCIDR     RestrictOut = "cidr"
)

const (
	// DefaultTimeout applies when an instance does not set one.
	DefaultTimeout = 300 * time.Second

	minTimeoutSeconds = 30
	maxTimeoutSeconds = 3600
)

var ErrNotFound = errors.New("instance not found")

// Spec is the wire form of an instance, as stored on disk.
type Spec struct {
	Tokens           []string `json:"tokens,omitempty"`
	RestrictOut      string   `json:"restrict_out,omitempty"`
	RestrictOutCIDRs []string `json:"restrict_out_cidrs,omitempty"`
	RestrictInCIDRs  []string `json:"restrict_in_cidrs,omitempty"`
	Timeout          int      `json:"timeout,omitempty"`
	RequiresAuth     bool     `json:"requires_auth,omitempty"`
}

// Instance is the validated, immutable runtime form of an endpoint.
type Instance struct {
	Name             string
	Tokens           []string
	RequiresAuth     bool
	RestrictOut      RestrictOut
	RestrictOutCIDRs *netclass.CIDRSet
	RestrictInCIDRs  *netclass.CIDRSet
	Timeout          time.Duration

	// spec keeps the original wire form for snapshots.
	spec Spec
}

// NewInstance validates a spec and builds the runtime instance.
func NewInstance(name string, spec Spec) (*Instance, error) {
	if name == "" {
		return nil, errors.New("registry: instance name must not be empty")
	}

	mode := RestrictOut(spec.RestrictOut)
	if mode == "" {
		mode = RestrictAny
	}
	switch mode {
	case RestrictAny, RestrictExternal, RestrictInternal, RestrictCIDR:
	default:
		return nil, fmt.Errorf("registry: instance %q: unknown restrict_out %q", name, spec.RestrictOut)
	}

	var outSet *netclass.CIDRSet
	if mode == RestrictCIDR {
		if len(spec.RestrictOutCIDRs) == 0 {
			return nil, fmt.Errorf("registry: instance %q: restrict_out=cidr requires restrict_out_cidrs", name)
		}
		var err error
		outSet, err = netclass.ParseCIDRSet(spec.RestrictOutCIDRs)
		if err != nil {
			return nil, fmt.Errorf("registry: instance %q: %w", name, err)
		}
	}

	inSet, err := netclass.ParseCIDRSet(spec.RestrictInCIDRs)
	if err != nil {
		return nil, fmt.Errorf("registry: instance %q: %w", name, err)
	}

	timeout := DefaultTimeout
	if spec.Timeout != 0 {
		if spec.Timeout < minTimeoutSeconds || spec.Timeout > maxTimeoutSeconds {
			return nil, fmt.Errorf("registry: instance %q: timeout %d outside [%d, %d]",
				name, spec.Timeout, minTimeoutSeconds, maxTimeoutSeconds)
		}
		timeout = time.Duration(spec.Timeout) * time.Second
	}

	return &Instance{
		Name:             name,
		Tokens:           append([]string(nil), spec.Tokens...),
		RequiresAuth:     spec.RequiresAuth,
		RestrictOut:      mode,
		RestrictOutCIDRs: outSet,
		RestrictInCIDRs:  inSet,
		Timeout:          timeout,
		spec:             spec,
	}, nil
}

// Registry is a read-mostly name -> Instance table.
type Registry struct {
	table atomic.Pointer[map[string]*Instance]
}

// New creates a registry holding the given instances.
func New(instances map[string]*Instance) *Registry {
	r := &Registry{}
	r.Replace(instances)
	return r
}

// Get looks up an instance by name.
func (r *Registry) Get(name string) (*Instance, error) {
	table := r.table.Load()
	if table == nil {
		return nil, ErrNotFound
	}
	inst, ok := (*table)[name]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

// Replace swaps the whole table. In-flight requests keep the instance they
// resolved; new requests see the new table.
func (r *Registry) Replace(instances map[string]*Instance) {
	if instances == nil {
		instances = map[string]*Instance{}
	}
	copied := make(map[string]*Instance, len(instances))
	for k, v := range instances {
		copied[k] = v
	}
	r.table.Store(&copied)
}

// Names returns the instance names, sorted.
func (r *Registry) Names() []string {
	table := r.table.Load()
	names := make([]string, 0, len(*table))
	for name := range *table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of instances.
func (r *Registry) Len() int {
	return len(*r.table.Load())
}

// Snapshot returns the wire form of the current table for the debug
// endpoint. With redactTokens, token values are replaced by "***".
func (r *Registry) Snapshot(redactTokens bool) map[string]Spec {
	table := r.table.Load()
	out := make(map[string]Spec, len(*table))
	for name, inst := range *table {
		spec := inst.spec
		spec.Tokens = append([]string(nil), inst.spec.Tokens...)
		if redactTokens {
			for i := range spec.Tokens {
				spec.Tokens[i] = "***"
			}
		}
		out[name] = spec
	}
	return out
}

// BuildAll validates a whole spec table at once. Any invalid instance fails
// the load; the registry never holds a partially valid table.
func BuildAll(specs map[string]Spec) (map[string]*Instance, error) {
	instances := make(map[string]*Instance, len(specs))
	for name, spec := range specs {
		inst, err := NewInstance(name, spec)
		if err != nil {
			return nil, err
		}
		instances[name] = inst
	}
	return instances, nil
}
