package ethsw

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/satcat5/internal/core"
)

// Factory creates a plugin, attaches it to sw and returns it.
type Factory func(sw *SwitchCore, opts map[string]interface{}) (any, error)

// PluginSpec names a plugin to build and its options.
type PluginSpec struct {
	Name    string
	Options map[string]interface{}
}

type factoryEntry struct {
	deps []string
	fn   Factory
}

// Registry maps plugin names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]factoryEntry
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]factoryEntry)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry holds the standard plugins and any registered by
// other packages at init time.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a factory. deps name plugins that must be built first.
func (r *Registry) Register(name string, deps []string, fn Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin '%s' already registered", name)
	}
	r.factories[name] = factoryEntry{deps: deps, fn: fn}
	return nil
}

// Names lists the registered plugins in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadOrder sorts specs so every plugin follows its dependencies.
// Otherwise the given order is kept.
func (r *Registry) LoadOrder(specs []PluginSpec) ([]PluginSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rank := make(map[string]int, len(specs))
	for i, s := range specs {
		if _, exists := r.factories[s.Name]; !exists {
			return nil, fmt.Errorf("plugin '%s' not found: %w", s.Name, core.ErrConfigInvalid)
		}
		if _, dup := rank[s.Name]; dup {
			return nil, fmt.Errorf("plugin '%s' listed twice: %w", s.Name, core.ErrConfigInvalid)
		}
		rank[s.Name] = i
	}

	graph := make(map[string][]string) // map[pluginName] = []dependentPluginNames
	inDegree := make(map[string]int)   // map[pluginName] = numberOfDependencies
	for _, s := range specs {
		for _, dep := range r.factories[s.Name].deps {
			if _, exists := rank[dep]; !exists {
				return nil, fmt.Errorf("plugin '%s' requires '%s': %w", s.Name, dep, core.ErrConfigInvalid)
			}
			graph[dep] = append(graph[dep], s.Name)
		}
		inDegree[s.Name] = len(r.factories[s.Name].deps)
	}

	byRank := func(q []string) {
		sort.Slice(q, func(i, j int) bool { return rank[q[i]] < rank[q[j]] })
	}
	queue := make([]string, 0, len(specs))
	for _, s := range specs {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	result := make([]PluginSpec, 0, len(specs))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, specs[rank[current]])
		for _, dep := range graph[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
				byRank(queue)
			}
		}
	}

	if len(result) != len(specs) {
		return nil, fmt.Errorf("circular dependency detected among plugins: %w", core.ErrConfigInvalid)
	}
	return result, nil
}

// Build creates every plugin in specs on sw, in load order.
func (r *Registry) Build(sw *SwitchCore, specs []PluginSpec) (map[string]any, error) {
	ordered, err := r.LoadOrder(specs)
	if err != nil {
		return nil, err
	}
	built := make(map[string]any, len(ordered))
	for _, s := range ordered {
		r.mu.RLock()
		fn := r.factories[s.Name].fn
		r.mu.RUnlock()
		pl, err := fn(sw, s.Options)
		if err != nil {
			return built, fmt.Errorf("plugin '%s': %w", s.Name, err)
		}
		built[s.Name] = pl
	}
	return built, nil
}

// DecodeOptions fills out from a plugin option map. Unknown keys are an
// error; strings are converted to numbers where needed.
func DecodeOptions(opts map[string]interface{}, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

type cacheOptions struct {
	Size     int    `mapstructure:"size"`
	MissMask uint32 `mapstructure:"miss_mask"`
	Learning *bool  `mapstructure:"learning"`
}

type bpfOptions struct {
	Program [][4]uint32 `mapstructure:"program"`
	Ports   []string    `mapstructure:"ports"`
}

func newCachePlugin(sw *SwitchCore, opts map[string]interface{}) (any, error) {
	var o cacheOptions
	if err := DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	c := NewSwitchCache(sw, o.Size)
	if o.MissMask != 0 {
		c.SetMissMask(o.MissMask)
	}
	if o.Learning != nil {
		c.SetLearning(*o.Learning)
	}
	return c, nil
}

func newVlanPlugin(sw *SwitchCore, opts map[string]interface{}) (any, error) {
	if err := DecodeOptions(opts, &struct{}{}); err != nil {
		return nil, err
	}
	return NewSwitchVlan(sw), nil
}

func newBpfPlugin(sw *SwitchCore, opts map[string]interface{}) (any, error) {
	var o bpfOptions
	if err := DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if len(o.Program) == 0 {
		return nil, fmt.Errorf("empty program: %w", core.ErrConfigInvalid)
	}
	var mask uint32
	for _, name := range o.Ports {
		p := sw.PortByName(name)
		if p == nil {
			return nil, fmt.Errorf("unknown port '%s': %w", name, core.ErrConfigInvalid)
		}
		mask |= p.Mask()
	}
	f, err := NewBpfFilter(RawProgram(o.Program), mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	sw.AddPlugin(f)
	return f, nil
}

func init() {
	_ = defaultRegistry.Register("cache", nil, newCachePlugin)
	_ = defaultRegistry.Register("vlan", nil, newVlanPlugin)
	_ = defaultRegistry.Register("bpf", nil, newBpfPlugin)
}
