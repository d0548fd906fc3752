package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ossgate/ossgate/internal/config"
	apperr "github.com/ossgate/ossgate/internal/errors"
)

// Region is the public description of a configured region.
type Region struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Region  string `json:"region"`
	Enabled bool   `json:"enabled"`
}

// Registry maps region ids to their backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	regions  map[string]Region
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		regions:  make(map[string]Region),
	}
}

// Open builds a backend for every configured region.
func Open(ctx context.Context, regions []config.RegionConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, rc := range regions {
		var (
			b   Backend
			err error
		)
		switch rc.Type {
		case "s3":
			b, err = NewS3Backend(ctx, rc)
		case "memory":
			b = NewMemoryBackend()
		default:
			err = fmt.Errorf("unknown region type %q", rc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("opening region %q: %w", rc.ID, err)
		}
		reg.Add(Region{ID: rc.ID, Name: rc.Name, Type: rc.Type, Region: rc.Region, Enabled: rc.IsEnabled()}, b)
	}
	return reg, nil
}

// Add registers a backend under r.ID.
func (r *Registry) Add(region Region, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[region.ID] = b
	r.regions[region.ID] = region
}

// Backend returns the backend of a region.
func (r *Registry) Backend(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, apperr.ErrNoSuchRegion.WithField("region")
	}
	return b, nil
}

// Region returns the description of a region.
func (r *Registry) Region(id string) (Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regions[id]
	return reg, ok
}

// Regions returns every region sorted by id.
func (r *Registry) Regions() []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Region, 0, len(r.regions))
	for _, reg := range r.regions {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck checks every backend and returns the failures by region id.
func (r *Registry) HealthCheck(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	failed := make(map[string]error)
	for id, b := range r.backends {
		if err := b.HealthCheck(ctx); err != nil {
			failed[id] = err
		}
	}
	return failed
}
