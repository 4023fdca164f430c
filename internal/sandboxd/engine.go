// Package sandboxd is the privileged enforcement side: the per-process
// policy engine, the daemon that serves it, and the interception adapters
// that feed it marker events.
package sandboxd

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"libcall.sandbox/pkg/automaton"
	"libcall.sandbox/pkg/policy"
)

// MaxEdges is the sanity cap on an installed edge list.
const MaxEdges = 1 << 20

var (
	// ErrNoNodes rejects a policy with an empty state space.
	ErrNoNodes = errors.New("policy has zero nodes")
	// ErrTooManyEdges rejects a policy above the sanity cap.
	ErrTooManyEdges = errors.New("policy exceeds edge cap")
)

// ProcessPolicy binds one installed automaton to one process. It exclusively
// owns its frontier, its scratch bitset and its copy of the edge list; the
// engine owns the pid map. The scratch bitset makes Observe allocation-free.
type ProcessPolicy struct {
	pid      uint32
	numNodes int
	idMode   policy.IDMode
	edges    []automaton.Transition
	frontier *automaton.Frontier
	scratch  *automaton.Frontier
	mu       sync.Mutex
}

// Frontier returns a copy of the current frontier, for inspection.
func (pp *ProcessPolicy) Frontier() *automaton.Frontier {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	f := automaton.NewFrontier(pp.numNodes)
	f.CopyFrom(pp.frontier)
	return f
}

// Engine is the per-process frontier table. Install and Uninstall take the
// table lock exclusively; Observe takes it shared and then the per-policy
// lock for the duration of step + closure + empty check, so observations for
// different processes run in parallel.
type Engine struct {
	mu       sync.RWMutex
	policies map[uint32]*ProcessPolicy
	log      *logrus.Logger

	// kill delivers the lethal signal; swapped out in tests.
	kill func(pid uint32) error
	// observeHook, when set, runs inside Observe while the per-policy
	// lock is held. Tests use it to verify the synchronous-delivery
	// contract.
	observeHook func()
}

// NewEngine returns an empty engine logging to log.
func NewEngine(log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		policies: make(map[uint32]*ProcessPolicy),
		log:      log,
		kill:     killProcess,
	}
}

func killProcess(pid uint32) error {
	return unix.Kill(int(pid), unix.SIGKILL)
}

// SetKillFunc replaces the lethal-signal delivery, for tests and demos that
// must observe the kill instead of dying with the target.
func (e *Engine) SetKillFunc(kill func(pid uint32) error) {
	e.kill = kill
}

// Install validates the blob and atomically replaces any prior policy for
// its pid. The initial frontier is the ε-closure of every node with zero
// consuming in-degree (node 0 if there is none). On any validation or
// allocation failure a previously installed policy stays in force.
func (e *Engine) Install(blob *policy.InstallBlob) error {
	if blob.NumNodes == 0 {
		return ErrNoNodes
	}
	if len(blob.Edges) > MaxEdges {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEdges, len(blob.Edges), MaxEdges)
	}
	for i, t := range blob.Edges {
		if t.Src >= blob.NumNodes || t.Dst >= blob.NumNodes {
			return fmt.Errorf("edge %d endpoints (%d,%d) out of range [0,%d)", i, t.Src, t.Dst, blob.NumNodes)
		}
	}

	n := int(blob.NumNodes)
	edges := make([]automaton.Transition, len(blob.Edges))
	copy(edges, blob.Edges)
	pp := &ProcessPolicy{
		pid:      blob.Pid,
		numNodes: n,
		idMode:   blob.IDMode,
		edges:    edges,
		frontier: automaton.InitialFrontier(edges, n),
		scratch:  automaton.NewFrontier(n),
	}

	e.mu.Lock()
	e.policies[blob.Pid] = pp
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"pid":   blob.Pid,
		"nodes": blob.NumNodes,
		"edges": len(edges),
		"mode":  blob.IDMode.String(),
	}).Info("Installed policy.")
	return nil
}

// Observe advances the frontier of pid's policy on an observed marker. A pid
// without a policy is unsandboxed and the observation is ignored. An empty
// frontier after the step is a violation: the process is killed and the
// violation logged. The policy stays installed; every later observation
// keeps failing until the process exit removes the entry.
func (e *Engine) Observe(pid uint32, observed int32) {
	e.mu.RLock()
	pp := e.policies[pid]
	e.mu.RUnlock()
	if pp == nil {
		return
	}

	pp.mu.Lock()
	if e.observeHook != nil {
		e.observeHook()
	}
	automaton.Step(pp.edges, pp.frontier, pp.scratch, observed)
	violated := pp.frontier.Empty()
	pp.mu.Unlock()

	if violated {
		e.log.WithFields(logrus.Fields{
			"pid":        pid,
			"observedId": observed,
		}).Error("Policy violation, killing process.")
		if err := e.kill(pid); err != nil {
			e.log.WithField("pid", pid).WithError(err).Error("Failed to deliver lethal signal.")
		}
	}
}

// Uninstall drops the policy for pid, if any.
func (e *Engine) Uninstall(pid uint32) {
	e.mu.Lock()
	_, had := e.policies[pid]
	delete(e.policies, pid)
	e.mu.Unlock()
	if had {
		e.log.WithField("pid", pid).Info("Uninstalled policy.")
	}
}

// Pids returns the processes with an installed policy.
func (e *Engine) Pids() []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pids := make([]uint32, 0, len(e.policies))
	for pid := range e.policies {
		pids = append(pids, pid)
	}
	return pids
}

// Lookup returns the installed policy for pid, or nil.
func (e *Engine) Lookup(pid uint32) *ProcessPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies[pid]
}

// Teardown drops every installed policy.
func (e *Engine) Teardown() {
	e.mu.Lock()
	e.policies = make(map[uint32]*ProcessPolicy)
	e.mu.Unlock()
	e.log.Info("Engine torn down, all policies dropped.")
}
