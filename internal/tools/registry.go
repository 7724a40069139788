// Package tools defines the immutable registry of tools the agent may call
// and the built-in tools shipped with the server and client.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/haasonsaas/agui/pkg/models"
)

// DefaultTimeout applies to descriptors registered without one.
const DefaultTimeout = 30 * time.Second

// MaxArgumentsSize bounds tool argument payloads (1MB).
const MaxArgumentsSize = 1 << 20

// ErrUnknownTool is returned by lookups for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// LocalFunc executes a local tool. The returned JSON becomes the call result.
type LocalFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Descriptor describes one tool. Site decides whether Handler runs in-process
// or the call is delegated to the client.
type Descriptor struct {
	Name        string
	Description string
	Site        models.ToolSite
	Schema      json.RawMessage
	Timeout     time.Duration

	// Handler is required for local tools and must be nil for remote ones.
	Handler LocalFunc

	validate func(json.RawMessage) error
}

// Validate checks args against the descriptor's parameter schema.
func (d Descriptor) Validate(args json.RawMessage) error {
	if len(args) > MaxArgumentsSize {
		return fmt.Errorf("tool arguments exceed maximum size of %d bytes", MaxArgumentsSize)
	}
	if d.validate == nil {
		return nil
	}
	return d.validate(args)
}

// Definition is the tool shape advertised to an LLM.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Builder collects descriptors before the registry is frozen.
type Builder struct {
	defaultTimeout time.Duration
	descs          []Descriptor
	errs           []error
}

// NewBuilder returns a builder. A zero defaultTimeout means DefaultTimeout.
func NewBuilder(defaultTimeout time.Duration) *Builder {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Builder{defaultTimeout: defaultTimeout}
}

// Register queues a descriptor. Problems are reported by Build.
func (b *Builder) Register(d Descriptor) *Builder {
	if !toolNamePattern.MatchString(d.Name) {
		b.errs = append(b.errs, fmt.Errorf("invalid tool name %q", d.Name))
		return b
	}
	switch d.Site {
	case models.SiteLocal:
		if d.Handler == nil {
			b.errs = append(b.errs, fmt.Errorf("local tool %s has no handler", d.Name))
			return b
		}
	case models.SiteRemote:
		if d.Handler != nil {
			b.errs = append(b.errs, fmt.Errorf("remote tool %s must not have a handler", d.Name))
			return b
		}
	default:
		b.errs = append(b.errs, fmt.Errorf("tool %s has invalid site %q", d.Name, d.Site))
		return b
	}
	if d.Timeout <= 0 {
		d.Timeout = b.defaultTimeout
	}
	validate, err := compileValidator(d.Name, d.Schema)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	if len(d.Schema) == 0 {
		d.Schema = json.RawMessage(emptyObjectSchema)
	}
	d.validate = validate
	b.descs = append(b.descs, d)
	return b
}

// Build freezes the registered descriptors.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	byName := make(map[string]Descriptor, len(b.descs))
	for _, d := range b.descs {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %s", d.Name)
		}
		byName[d.Name] = d
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{tools: byName, names: names}, nil
}

// Registry is an immutable name to descriptor lookup. It is safe for
// concurrent use without locking.
type Registry struct {
	tools map[string]Descriptor
	names []string
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.tools[name]
	return d, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Definitions returns the LLM-facing definitions in name order.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		d := r.tools[name]
		out = append(out, Definition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  append(json.RawMessage(nil), d.Schema...),
		})
	}
	return out
}
