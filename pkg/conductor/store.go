package conductor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/symphony/pkg/types"
)

// DeploymentStore is the external, durable list of deployment
// specifications. The control plane only reads it; writes are expected to
// go through an HTTP surface this repo does not implement.
// InMemoryDeploymentStore below is a standalone adapter good enough to run
// the binaries and drive the scheduler in tests.
type DeploymentStore interface {
	List() ([]types.DeploymentRecord, error)
	Get(id string) (types.DeploymentRecord, bool, error)
	Put(rec types.DeploymentRecord) error
	Delete(id string) error
}

// CondaEnvSpecStore is the external `conda_envs` table: named environment
// specs the Conductor knows about and may need to push to nodes that lack
// them.
type CondaEnvSpecStore interface {
	List() ([]types.CondaEnvSpec, error)
}

// InMemoryDeploymentStore is a process-local, non-durable DeploymentStore.
// It exists so cmd/symphony's conductor binary links and runs standalone;
// a real deployment backs this interface with a durable store.
type InMemoryDeploymentStore struct {
	mu   sync.RWMutex
	recs map[string]types.DeploymentRecord
}

// NewInMemoryDeploymentStore creates an empty store.
func NewInMemoryDeploymentStore() *InMemoryDeploymentStore {
	return &InMemoryDeploymentStore{recs: make(map[string]types.DeploymentRecord)}
}

func (s *InMemoryDeploymentStore) List() ([]types.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.DeploymentRecord, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryDeploymentStore) Get(id string) (types.DeploymentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	return rec, ok, nil
}

func (s *InMemoryDeploymentStore) Put(rec types.DeploymentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("deployment record requires a non-empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *InMemoryDeploymentStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

// InMemoryCondaEnvSpecStore is the matching standalone adapter for
// CondaEnvSpecStore.
type InMemoryCondaEnvSpecStore struct {
	mu    sync.RWMutex
	specs map[string]types.CondaEnvSpec
}

// NewInMemoryCondaEnvSpecStore creates an empty store.
func NewInMemoryCondaEnvSpecStore() *InMemoryCondaEnvSpecStore {
	return &InMemoryCondaEnvSpecStore{specs: make(map[string]types.CondaEnvSpec)}
}

func (s *InMemoryCondaEnvSpecStore) List() ([]types.CondaEnvSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.CondaEnvSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryCondaEnvSpecStore) Put(spec types.CondaEnvSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.Name] = spec
}
