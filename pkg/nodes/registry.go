package nodes

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tacedge/tacedge/pkg/config"
	"github.com/tacedge/tacedge/pkg/log"
	"github.com/tacedge/tacedge/pkg/storage"
	"github.com/tacedge/tacedge/pkg/types"
)

// Registry tracks the tactical nodes the relay can deliver to. Node
// records persist in the store; liveness is always computed from
// last_seen, never stored. The lock serializes read-modify-write updates
// such as heartbeat bumps; plain reads share it.
type Registry struct {
	mu        sync.RWMutex
	store     storage.Store
	threshold time.Duration
	logger    zerolog.Logger
}

// New creates the registry and registers any seed nodes from config that
// are not already present.
func New(store storage.Store, cfg config.NodesConfig) (*Registry, error) {
	r := &Registry{
		store:     store,
		threshold: cfg.HeartbeatThreshold(),
		logger:    log.WithComponent("nodes"),
	}
	for _, seed := range cfg.Seed {
		if _, err := store.GetNode(seed.ID); err == nil {
			continue
		}
		node := &types.Node{
			ID:           seed.ID,
			Address:      seed.Address,
			Capabilities: seed.Capabilities,
			RegisteredAt: time.Now().UTC(),
		}
		if err := store.PutNode(node); err != nil {
			return nil, fmt.Errorf("failed to seed node %s: %w", seed.ID, err)
		}
		r.logger.Info().Str("node_id", seed.ID).Str("address", seed.Address).Msg("seed node registered")
	}
	return r, nil
}

// Register adds or replaces a node record.
func (r *Registry) Register(node *types.Node) error {
	if node.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.RegisteredAt.IsZero() {
		node.RegisteredAt = time.Now().UTC()
	}
	if err := r.store.PutNode(node); err != nil {
		return fmt.Errorf("failed to register node %s: %w", node.ID, err)
	}
	r.logger.Info().Str("node_id", node.ID).Msg("node registered")
	return nil
}

// Heartbeat bumps the node's last_seen to now.
func (r *Registry) Heartbeat(id string, now time.Time) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, err := r.store.GetNode(id)
	if err != nil {
		return nil, err
	}
	node.LastSeen = now
	if err := r.store.PutNode(node); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat for %s: %w", id, err)
	}
	return node, nil
}

// Get returns a node by id.
func (r *Registry) Get(id string) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetNode(id)
}

// Status computes the node's liveness at now.
func (r *Registry) Status(node *types.Node, now time.Time) types.NodeStatus {
	return node.StatusAt(now, r.threshold)
}

// List returns all registered nodes sorted by id.
func (r *Registry) List() ([]*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// Summary counts registered nodes by computed liveness at now.
func (r *Registry) Summary(now time.Time) (total, connected, disconnected int, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes, err := r.store.ListNodes()
	if err != nil {
		return 0, 0, 0, err
	}
	for _, n := range nodes {
		if n.StatusAt(now, r.threshold) == types.NodeConnected {
			connected++
		} else {
			disconnected++
		}
	}
	return len(nodes), connected, disconnected, nil
}
