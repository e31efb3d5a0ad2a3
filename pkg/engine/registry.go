package engine

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Registry holds immutable tool definitions keyed by both id and name.
// Lookups are pure reads; register/unregister emit lifecycle events through
// the owning engine.
type Registry struct {
	byID            map[string]*ToolDefinition
	byName          map[string]*ToolDefinition
	schemas         map[string]*gojsonschema.Schema
	allowDeprecated bool
	mu              sync.RWMutex
}

// NewRegistry creates an empty tool registry. If allowDeprecated is false,
// registering a deprecated tool fails.
func NewRegistry(allowDeprecated bool) *Registry {
	return &Registry{
		byID:            make(map[string]*ToolDefinition),
		byName:          make(map[string]*ToolDefinition),
		schemas:         make(map[string]*gojsonschema.Schema),
		allowDeprecated: allowDeprecated,
	}
}

// Register validates and stores a tool definition
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Deprecated && !r.allowDeprecated {
		return errDeprecated(def.ID)
	}
	if def.Category == "" {
		def.Category = CategoryCustom
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("tool id already registered: %s", def.ID)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool name already registered: %s", def.Name)
	}

	r.byID[def.ID] = &def
	r.byName[def.Name] = &def
	r.schemas[def.ID] = schema

	log.Info().
		Str("tool", def.ID).
		Str("category", string(def.Category)).
		Str("risk", def.RiskLevel.String()).
		Msg("Tool registered")

	return nil
}

// Unregister removes a tool and returns whether it existed. Executions
// already in flight hold their own reference to the definition and are
// unaffected.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, exists := r.byID[id]
	if !exists {
		return false
	}

	delete(r.byID, id)
	delete(r.byName, def.Name)
	delete(r.schemas, id)

	log.Info().Str("tool", id).Msg("Tool unregistered")
	return true
}

// ByID returns a tool definition by id
func (r *Registry) ByID(id string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByName returns a tool definition by name
func (r *Registry) ByName(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ByCategory returns all tools in a category
func (r *Registry) ByCategory(category ToolCategory) []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := []*ToolDefinition{}
	for _, def := range r.byID {
		if def.Category == category {
			tools = append(tools, def)
		}
	}
	return tools
}

// ByRiskLevel returns all tools at a risk level
func (r *Registry) ByRiskLevel(level RiskLevel) []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := []*ToolDefinition{}
	for _, def := range r.byID {
		if def.RiskLevel == level {
			tools = append(tools, def)
		}
	}
	return tools
}

// List returns all registered tools
func (r *Registry) List() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDefinition, 0, len(r.byID))
	for _, def := range r.byID {
		tools = append(tools, def)
	}
	return tools
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// schema returns the compiled input schema for a tool id
func (r *Registry) schema(id string) *gojsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[id]
}

// Clear removes every registered tool
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*ToolDefinition)
	r.byName = make(map[string]*ToolDefinition)
	r.schemas = make(map[string]*gojsonschema.Schema)
}
