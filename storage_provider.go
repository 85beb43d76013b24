package ecs

import (
	"fmt"
	"sort"
	"sync"
)

// storageProvider is the default registry from component type to store.
type storageProvider struct {
	mu     sync.RWMutex
	stores map[ComponentType]ComponentStore
}

func newStorageProvider() *storageProvider {
	return &storageProvider{stores: make(map[ComponentType]ComponentStore)}
}

func (p *storageProvider) RegisterComponent(t ComponentType, strategy StorageStrategy) error {
	if strategy == nil {
		return ErrNilStorageStrategy
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.stores[t]; exists {
		return fmt.Errorf("%w: %s", ErrComponentAlreadyRegistered, t)
	}

	store := strategy.NewStore(t)
	if store == nil {
		return fmt.Errorf("%w: %s (%s)", ErrNilComponentStore, t, strategy.Name())
	}
	p.stores[t] = store
	return nil
}

func (p *storageProvider) View(t ComponentType) (ComponentView, error) {
	return p.Store(t)
}

func (p *storageProvider) Store(t ComponentType) (ComponentStore, error) {
	p.mu.RLock()
	store, ok := p.stores[t]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotRegistered, t)
	}
	return store, nil
}

func (p *storageProvider) Types() []ComponentType {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ComponentType, 0, len(p.stores))
	for t := range p.stores {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *storageProvider) Apply(world *World, commands []Command) error {
	for _, cmd := range commands {
		if cmd == nil {
			continue
		}
		if err := cmd.Apply(world); err != nil {
			return err
		}
	}
	return nil
}

var _ StorageProvider = (*storageProvider)(nil)
