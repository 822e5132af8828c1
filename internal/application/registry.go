package application

import (
	"slices"
	"sync"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// ConnectorRegistry maps source types to connector implementations. It is
// filled at startup and may be extended at runtime, for example when a
// backend credential becomes available.
type ConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[model.SourceType]driven.Connector
}

// NewConnectorRegistry creates a registry holding the given connectors.
func NewConnectorRegistry(connectors ...driven.Connector) *ConnectorRegistry {
	r := &ConnectorRegistry{connectors: make(map[model.SourceType]driven.Connector, len(connectors))}
	for _, c := range connectors {
		r.connectors[c.Type()] = c
	}
	return r
}

// Register adds or replaces the connector for its source type.
func (r *ConnectorRegistry) Register(c driven.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Type()] = c
}

// Get returns the connector for a source type.
func (r *ConnectorRegistry) Get(t model.SourceType) (driven.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[t]
	return c, ok
}

// Types returns the registered source types in sorted order.
func (r *ConnectorRegistry) Types() []model.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]model.SourceType, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
