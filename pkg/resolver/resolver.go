package resolver

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hakulab/haku/pkg/ids"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

// ValidationError rejects a whole submission synchronously, before any
// task record is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

// Target is one parsed target string.
type Target struct {
	Raw      string
	Hostname string
	NUMA     *int
	GPUs     []int
}

// ParseTarget parses the target grammar:
//
//	hostname
//	hostname:numa_id
//	hostname::gpu,gpu,...
func ParseTarget(s string) (Target, error) {
	t := Target{Raw: s}

	if host, list, ok := strings.Cut(s, "::"); ok {
		if host == "" {
			return t, fmt.Errorf("target %q: empty hostname", s)
		}
		if list == "" {
			return t, fmt.Errorf("target %q: empty gpu list", s)
		}
		t.Hostname = host
		seen := make(map[int]bool)
		for _, part := range strings.Split(list, ",") {
			id, err := strconv.Atoi(part)
			if err != nil || id < 0 {
				return t, fmt.Errorf("target %q: bad gpu id %q", s, part)
			}
			if seen[id] {
				return t, fmt.Errorf("target %q: duplicate gpu id %d", s, id)
			}
			seen[id] = true
			t.GPUs = append(t.GPUs, id)
		}
		return t, nil
	}

	if host, numa, ok := strings.Cut(s, ":"); ok {
		if host == "" {
			return t, fmt.Errorf("target %q: empty hostname", s)
		}
		id, err := strconv.Atoi(numa)
		if err != nil || id < 0 {
			return t, fmt.Errorf("target %q: bad numa id %q", s, numa)
		}
		t.Hostname = host
		t.NUMA = &id
		return t, nil
	}

	if s == "" {
		return t, fmt.Errorf("empty target")
	}
	t.Hostname = s
	return t, nil
}

// Resolver admits submissions against a consistent snapshot of the store.
// A single mutex orders concurrent submissions so two batches cannot both
// claim the last free cores or the same GPUs.
type Resolver struct {
	store      storage.Store
	gen        *ids.Generator
	sharedRoot string

	mu sync.Mutex
}

// New creates a resolver. sharedRoot is the shared-storage mount used for
// task output paths.
func New(store storage.Store, gen *ids.Generator, sharedRoot string) *Resolver {
	return &Resolver{store: store, gen: gen, sharedRoot: sharedRoot}
}

// nodeLoad is one node's admission-time view: free resources and busy GPUs.
type nodeLoad struct {
	node      *types.Node
	freeCores int
	freeMem   int64
	busyGPUs  map[int]bool
}

func (r *Resolver) snapshot() (map[string]*nodeLoad, error) {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot nodes: %w", err)
	}

	loads := make(map[string]*nodeLoad, len(nodes))
	for _, node := range nodes {
		tasks, err := r.store.ListTasksByHostname(node.Hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot tasks for %s: %w", node.Hostname, err)
		}

		load := &nodeLoad{
			node:      node,
			freeCores: node.TotalCores,
			freeMem:   node.TotalMemoryBytes,
			busyGPUs:  make(map[int]bool),
		}
		for _, task := range tasks {
			if isActive(task.Status) {
				load.freeCores -= task.RequiredCores
				load.freeMem -= task.RequiredMemory
			}
			if isHolding(task.Status) {
				for _, g := range task.RequiredGPUs {
					load.busyGPUs[g] = true
				}
			}
		}
		loads[node.Hostname] = load
	}
	return loads, nil
}

func isActive(s types.TaskStatus) bool {
	for _, a := range types.ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func isHolding(s types.TaskStatus) bool {
	for _, h := range types.HoldingStatuses {
		if s == h {
			return true
		}
	}
	return false
}

// validate rejects submissions that can never be admitted, regardless of
// cluster state.
func validate(req *types.SubmitRequest) error {
	switch req.Type {
	case types.TaskCommand, types.TaskVPS:
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown task type %q", req.Type)}
	}
	if req.Command == "" {
		if req.Type == types.TaskVPS {
			return &ValidationError{Reason: "vps submission requires a public key"}
		}
		return &ValidationError{Reason: "command must not be empty"}
	}
	if req.Cores < 0 || req.MemoryBytes < 0 {
		return &ValidationError{Reason: "negative resource request"}
	}

	env := types.ParseContainerEnv(req.ContainerEnv)
	if req.Type == types.TaskVPS {
		if len(req.Targets) > 1 {
			return &ValidationError{Reason: "vps submission requires exactly one target"}
		}
		if env.Kind == types.EnvSystemFallback {
			return &ValidationError{Reason: "vps tasks cannot use the service-unit fallback"}
		}
	}
	return nil
}

// admit checks one target against the snapshot and debits it on success.
func admit(req *types.SubmitRequest, target Target, loads map[string]*nodeLoad) error {
	load, ok := loads[target.Hostname]
	if !ok {
		return fmt.Errorf("unknown node %q", target.Hostname)
	}
	if load.node.Status != types.NodeOnline {
		return fmt.Errorf("node %s is %s", target.Hostname, load.node.Status)
	}

	if target.NUMA != nil {
		found := false
		for _, domain := range load.node.NUMA {
			if domain.ID == *target.NUMA {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("node %s has no numa domain %d", target.Hostname, *target.NUMA)
		}
	}

	if len(target.GPUs) > 0 {
		if types.ParseContainerEnv(req.ContainerEnv).Kind == types.EnvSystemFallback {
			return fmt.Errorf("gpu tasks cannot use the service-unit fallback")
		}
		inventory := make(map[int]bool, len(load.node.GPUs))
		for _, gpu := range load.node.GPUs {
			inventory[gpu.ID] = true
		}
		for _, id := range target.GPUs {
			if !inventory[id] {
				return fmt.Errorf("node %s has no gpu %d", target.Hostname, id)
			}
			if load.busyGPUs[id] {
				return fmt.Errorf("gpu %d on %s is reserved by another task", id, target.Hostname)
			}
		}
	}

	if req.Cores > 0 && load.freeCores < req.Cores {
		return fmt.Errorf("node %s has %d free cores, need %d", target.Hostname, load.freeCores, req.Cores)
	}
	if req.MemoryBytes > 0 && load.freeMem < req.MemoryBytes {
		return fmt.Errorf("node %s has insufficient free memory", target.Hostname)
	}

	// Debit so later targets in the same batch see the reservation.
	load.freeCores -= req.Cores
	load.freeMem -= req.MemoryBytes
	for _, id := range target.GPUs {
		load.busyGPUs[id] = true
	}
	return nil
}

// autoSelect picks the first online node with enough free cores and memory.
// GPUs are never auto-selected.
func autoSelect(req *types.SubmitRequest, loads map[string]*nodeLoad) (Target, error) {
	hostnames := make([]string, 0, len(loads))
	for hostname := range loads {
		hostnames = append(hostnames, hostname)
	}
	// Map order is random; stable order keeps placement predictable.
	sort.Strings(hostnames)

	for _, hostname := range hostnames {
		load := loads[hostname]
		if load.node.Status != types.NodeOnline {
			continue
		}
		if req.Cores > 0 && load.freeCores < req.Cores {
			continue
		}
		if req.MemoryBytes > 0 && load.freeMem < req.MemoryBytes {
			continue
		}
		return Target{Raw: hostname, Hostname: hostname}, nil
	}
	return Target{}, fmt.Errorf("no online node with %d free cores", req.Cores)
}

// Submit admits a submission and creates one pending task per accepted
// target. Task ids are strictly increasing in target input order; a batch
// id is shared iff more than one task was created.
func (r *Resolver) Submit(req *types.SubmitRequest) (*types.SubmitResponse, []*types.Task, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loads, err := r.snapshot()
	if err != nil {
		return nil, nil, err
	}

	targets := make([]Target, 0, len(req.Targets))
	resp := &types.SubmitResponse{}

	if len(req.Targets) == 0 {
		target, err := autoSelect(req, loads)
		if err != nil {
			resp.FailedTargets = append(resp.FailedTargets,
				types.FailedTarget{Target: "auto", Reason: err.Error()})
		} else {
			targets = append(targets, target)
		}
	} else {
		for _, raw := range req.Targets {
			target, err := ParseTarget(raw)
			if err != nil {
				resp.FailedTargets = append(resp.FailedTargets,
					types.FailedTarget{Target: raw, Reason: err.Error()})
				continue
			}
			targets = append(targets, target)
		}
	}

	admitted := make([]Target, 0, len(targets))
	for _, target := range targets {
		if err := admit(req, target, loads); err != nil {
			resp.FailedTargets = append(resp.FailedTargets,
				types.FailedTarget{Target: target.Raw, Reason: err.Error()})
			continue
		}
		admitted = append(admitted, target)
	}

	batchID := ""
	if len(admitted) > 1 {
		batchID = ids.NewBatchID()
	}

	var created []*types.Task
	for _, target := range admitted {
		task := r.buildTask(req, target, batchID)
		if err := r.store.CreateTask(task); err != nil {
			return nil, nil, fmt.Errorf("failed to persist task: %w", err)
		}
		created = append(created, task)
		resp.TaskIDs = append(resp.TaskIDs, task.ID)

		log.WithTaskID(task.ID).Info().
			Str("target", target.Raw).
			Str("type", string(task.Type)).
			Msg("task admitted")
	}
	return resp, created, nil
}

func (r *Resolver) buildTask(req *types.SubmitRequest, target Target, batchID string) *types.Task {
	task := &types.Task{
		ID:             r.gen.Next(),
		BatchID:        batchID,
		Type:           req.Type,
		Command:        req.Command,
		Args:           req.Args,
		Env:            req.Env,
		RequiredCores:  req.Cores,
		RequiredMemory: req.MemoryBytes,
		RequiredGPUs:   target.GPUs,
		ContainerEnv:   types.ParseContainerEnv(req.ContainerEnv),
		Privileged:     req.Privileged,
		Mounts:         req.Mounts,
		TargetHostname: target.Hostname,
		TargetNUMA:     target.NUMA,
		Status:         types.StatusPending,
		SubmittedAt:    time.Now(),
	}
	if task.Type == types.TaskCommand {
		task.StdoutPath = filepath.Join(r.sharedRoot, "task_outputs", fmt.Sprintf("%d.out", task.ID))
		task.StderrPath = filepath.Join(r.sharedRoot, "task_errors", fmt.Sprintf("%d.err", task.ID))
	}
	return task
}
