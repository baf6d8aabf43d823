package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scope selects where a setting override is persisted.
type Scope string

const (
	// ScopeGlobal persists to the user-level config file.
	ScopeGlobal Scope = "global"
	// ScopeWorkspace persists to the workspace-level config file.
	ScopeWorkspace Scope = "workspace"
)

// settings is the raw two-level override map: section -> key -> value.
type settings map[string]map[string]interface{}

// Gateway is the single funnel to host configuration. Every component reads
// and writes settings only through it. It layers workspace overrides on top
// of global overrides on top of the built-in defaults.
type Gateway struct {
	mu            sync.RWMutex
	globalPath    string
	workspacePath string
	global        settings
	workspace     settings

	listenerMu   sync.Mutex
	listeners    map[string]map[int]func(interface{})
	nextListener int
}

// NewGateway loads the override files (which may be absent) and returns a
// ready gateway. workspacePath may be empty when no workspace is open.
func NewGateway(globalPath, workspacePath string) (*Gateway, error) {
	g := &Gateway{
		globalPath:    globalPath,
		workspacePath: workspacePath,
		global:        settings{},
		workspace:     settings{},
		listeners:     map[string]map[int]func(interface{}){},
	}

	var err error
	if g.global, err = loadSettings(globalPath); err != nil {
		return nil, err
	}
	if workspacePath != "" {
		if g.workspace, err = loadSettings(workspacePath); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func loadSettings(path string) (settings, error) {
	s := settings{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return s, nil
}

func saveSettings(path string, s settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings %s: %w", path, err)
	}
	return nil
}

// splitKey turns "providers.active" into ("providers", "active"). Keys
// without a dot land in the top-level section.
func splitKey(key string) (string, string) {
	if i := strings.Index(key, "."); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// Get returns the typed value for a dotted key, workspace overrides first.
func (g *Gateway) Get(key string) (interface{}, bool) {
	section, k := splitKey(key)
	return g.GetRaw(section, k)
}

// GetRaw is the raw surface keyed by (section, key), used by the
// settings-management subsystem.
func (g *Gateway) GetRaw(section, key string) (interface{}, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if sec, ok := g.workspace[section]; ok {
		if v, ok := sec[key]; ok {
			return v, true
		}
	}
	if sec, ok := g.global[section]; ok {
		if v, ok := sec[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// GetString returns the string value for key, or def when unset or mistyped.
func (g *Gateway) GetString(key, def string) string {
	if v, ok := g.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// GetBool returns the bool value for key, or def when unset or mistyped.
func (g *Gateway) GetBool(key string, def bool) bool {
	if v, ok := g.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// GetInt returns the int value for key, or def when unset or mistyped.
func (g *Gateway) GetInt(key string, def int) int {
	if v, ok := g.Get(key); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

// Set stores a value in the chosen scope, persists it, and notifies both
// typed and raw listeners.
func (g *Gateway) Set(key string, value interface{}, scope Scope) error {
	section, k := splitKey(key)
	return g.SetRaw(section, k, value, scope)
}

// SetRaw is the raw-surface form of Set.
func (g *Gateway) SetRaw(section, key string, value interface{}, scope Scope) error {
	g.mu.Lock()

	target := g.global
	path := g.globalPath
	if scope == ScopeWorkspace {
		if g.workspacePath == "" {
			g.mu.Unlock()
			return fmt.Errorf("no workspace open, cannot set %s.%s in workspace scope", section, key)
		}
		target = g.workspace
		path = g.workspacePath
	}

	if target[section] == nil {
		target[section] = map[string]interface{}{}
	}
	target[section][key] = value

	err := saveSettings(path, target)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	g.notify(section, key, value)
	return nil
}

// HasCustomValue reports whether key has an override in any scope.
func (g *Gateway) HasCustomValue(key string) bool {
	_, ok := g.Get(key)
	return ok
}

// Reset removes the override for key from both scopes and notifies listeners
// with nil.
func (g *Gateway) Reset(key string) error {
	section, k := splitKey(key)

	g.mu.Lock()
	changed := false
	for _, pair := range []struct {
		s    settings
		path string
	}{{g.workspace, g.workspacePath}, {g.global, g.globalPath}} {
		sec, ok := pair.s[section]
		if !ok {
			continue
		}
		if _, ok := sec[k]; !ok {
			continue
		}
		delete(sec, k)
		if len(sec) == 0 {
			delete(pair.s, section)
		}
		changed = true
		if pair.path != "" {
			if err := saveSettings(pair.path, pair.s); err != nil {
				g.mu.Unlock()
				return err
			}
		}
	}
	g.mu.Unlock()

	if changed {
		g.notify(section, k, nil)
	}
	return nil
}

// ResetAll drops every override in both scopes.
func (g *Gateway) ResetAll() error {
	g.mu.Lock()
	keys := make([][2]string, 0)
	for section, sec := range g.workspace {
		for k := range sec {
			keys = append(keys, [2]string{section, k})
		}
	}
	for section, sec := range g.global {
		for k := range sec {
			keys = append(keys, [2]string{section, k})
		}
	}
	g.workspace = settings{}
	g.global = settings{}

	var err error
	if g.globalPath != "" {
		err = saveSettings(g.globalPath, g.global)
	}
	if err == nil && g.workspacePath != "" {
		err = saveSettings(g.workspacePath, g.workspace)
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}

	for _, sk := range keys {
		g.notify(sk[0], sk[1], nil)
	}
	return nil
}

// OnChange registers a listener for a dotted key and returns an unsubscribe
// function. A panicking listener never affects other listeners.
func (g *Gateway) OnChange(key string, cb func(interface{})) func() {
	g.listenerMu.Lock()
	defer g.listenerMu.Unlock()

	if g.listeners[key] == nil {
		g.listeners[key] = map[int]func(interface{}){}
	}
	id := g.nextListener
	g.nextListener++
	g.listeners[key][id] = cb

	return func() {
		g.listenerMu.Lock()
		defer g.listenerMu.Unlock()
		delete(g.listeners[key], id)
	}
}

// notify delivers a change to every listener, isolating panics.
func (g *Gateway) notify(section, key string, value interface{}) {
	dotted := key
	if section != "" {
		dotted = section + "." + key
	}

	g.listenerMu.Lock()
	cbs := make([]func(interface{}), 0, len(g.listeners[dotted]))
	for _, cb := range g.listeners[dotted] {
		cbs = append(cbs, cb)
	}
	g.listenerMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() { recover() }()
			cb(value)
		}()
	}
}

// setNested places a possibly-dotted key ("ollama.model") into a nested map,
// creating intermediate maps as needed.
func setNested(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, _ := m[parts[i]].(map[string]interface{})
		if next == nil {
			next = map[string]interface{}{}
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Snapshot resolves the layered settings into a typed Config: defaults, then
// global overrides, then workspace overrides.
func (g *Gateway) Snapshot() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()

	base := map[string]interface{}{}
	if data, err := yaml.Marshal(Default()); err == nil {
		yaml.Unmarshal(data, &base)
	}

	for _, layer := range []settings{g.global, g.workspace} {
		for section, sec := range layer {
			existing, _ := base[section].(map[string]interface{})
			if existing == nil {
				existing = map[string]interface{}{}
			}
			for k, v := range sec {
				setNested(existing, k, v)
			}
			base[section] = existing
		}
	}

	cfg := Default()
	if data, err := yaml.Marshal(base); err == nil {
		yaml.Unmarshal(data, &cfg)
	}
	return cfg
}
