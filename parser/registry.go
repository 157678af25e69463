package parser

import (
	"log/slog"
	"time"
)

// Registry holds extractors in detection priority order. The first compatible
// extractor wins, so more specific formats must come first.
type Registry struct {
	extractors []Extractor
}

// Option configures the built-in extractors of a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	clock func() time.Time
}

// WithClock overrides the time source used for default creation dates.
func WithClock(clock func() time.Time) Option {
	return func(o *registryOptions) { o.clock = clock }
}

// NewRegistry returns a registry with the built-in extractors: the node-graph
// format first, then the tag-description format. Tag detection is keyword
// based and would otherwise claim graph images that mention a parameter flag.
func NewRegistry(opts ...Option) *Registry {
	o := &registryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return NewRegistryWith(
		&EmPropsParser{Now: o.clock},
		&MidjourneyParser{Now: o.clock},
	)
}

// NewRegistryWith returns a registry that tries extractors in the given order.
func NewRegistryWith(extractors ...Extractor) *Registry {
	r := &Registry{extractors: make([]Extractor, 0, len(extractors))}
	for _, e := range extractors {
		if e != nil {
			r.extractors = append(r.extractors, e)
		}
	}
	return r
}

// Register appends an extractor with the lowest priority.
func (r *Registry) Register(e Extractor) {
	if e != nil {
		r.extractors = append(r.extractors, e)
	}
}

// Extractors returns the extractors in priority order.
func (r *Registry) Extractors() []Extractor {
	out := make([]Extractor, len(r.extractors))
	copy(out, r.extractors)
	return out
}

// Select returns the first extractor compatible with props, or nil.
func (r *Registry) Select(props Properties) Extractor {
	for _, e := range r.extractors {
		if e.IsCompatible(props) {
			return e
		}
	}
	return nil
}

// Extract selects an extractor for props and runs it. The returned record
// carries dims and the selected extractor's model. It returns false when no
// extractor claims props or the chosen one could not recover anything.
func (r *Registry) Extract(props Properties, dims Dimensions) (*Record, bool) {
	e := r.Select(props)
	if e == nil {
		slog.Debug("no compatible extractor", "properties", len(props))
		return nil, false
	}

	slog.Debug("extractor selected", "source_model", e.Model().String())
	rec, ok := e.Extract(props, dims)
	if !ok || rec == nil {
		return nil, false
	}

	rec.Width = max(dims.Width, 0)
	rec.Height = max(dims.Height, 0)
	rec.SourceModel = e.Model()
	return rec, true
}
