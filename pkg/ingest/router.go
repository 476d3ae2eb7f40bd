package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tscluster/pkg/applier"
	"tscluster/pkg/cluster"
	"tscluster/pkg/command"
	"tscluster/pkg/types"
)

// Executor replicates a command through one group and returns the local
// apply result.
type Executor interface {
	Execute(ctx context.Context, cmd command.Command) (applier.Result, error)
}

// Router sends inserts to the data group owning the device and every other
// command to the meta group.
type Router struct {
	meta Executor
	ring *cluster.HashRing

	mu   sync.RWMutex
	data map[types.GroupID]Executor
}

func NewRouter(meta Executor, ringReplicas int) *Router {
	return &Router{
		meta: meta,
		ring: cluster.NewHashRing(ringReplicas),
		data: make(map[types.GroupID]Executor),
	}
}

func (r *Router) AddDataGroup(id types.GroupID, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[id] = exec
	r.ring.AddGroup(id)
}

func (r *Router) RemoveDataGroup(id types.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
	r.ring.RemoveGroup(id)
}

// Route picks the group a command is replicated through.
func (r *Router) Route(cmd command.Command) (types.GroupID, Executor, error) {
	som, ok := cmd.(command.SchemaOrMutation)
	if !ok {
		return types.MetaGroup, r.meta, nil
	}
	plan, ok := som.Plan.(*command.InsertPlan)
	if !ok || plan == nil {
		return types.MetaGroup, r.meta, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.ring.Owner(plan.Device())
	if !ok {
		return types.MetaGroup, r.meta, nil
	}
	exec, ok := r.data[group]
	if !ok {
		return "", nil, fmt.Errorf("group %s owns %s but has no executor", group, plan.Device())
	}
	return group, exec, nil
}

func (r *Router) Execute(ctx context.Context, cmd command.Command) (applier.Result, error) {
	group, exec, err := r.Route(cmd)
	if err != nil {
		return applier.Result{}, err
	}
	slog.Debug("routing command", "kind", command.Kind(cmd), "group", group)
	return exec.Execute(ctx, cmd)
}
