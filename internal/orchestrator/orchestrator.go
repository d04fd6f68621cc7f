package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ratorx/continuity/internal/collector"
	"github.com/ratorx/continuity/internal/docker"
	"github.com/ratorx/continuity/internal/execx"
	"github.com/ratorx/continuity/internal/model"
	"github.com/ratorx/continuity/internal/scenario"
	"github.com/ratorx/continuity/internal/shaper"
)

// ErrDependencyFailed is recorded when a required upstream node did not
// become Ready. It aborts the affected subtree; independent branches of
// the graph continue.
var ErrDependencyFailed = errors.New("dependency failed")

// Runtime abstracts the container backend (docker.Manager in
// production).
type Runtime interface {
	EnsureNetwork(name string, external bool) error
	RemoveNetwork(name string) error
	Start(spec docker.RunSpec) error
	Running(name string) (bool, error)
	IP(name string) (string, error)
	ExecDetached(name string, argv []string) error
	ExecRunner(name string) execx.Runner
	Remove(name string) error
}

var _ Runtime = (*docker.Manager)(nil)

// Collector wraps a peer node's transfer workload invocation.
type Collector interface {
	Measure(ctx context.Context, node, container string, argv []string) model.Measurement
}

var _ Collector = collector.Docker{}

// Shaper applies a network profile to a device inside a container.
// Satisfied by shaper.Shaper constructed over the container's exec
// runner.
type Shaper interface {
	Apply(device string, p model.NetworkProfile) error
}

// Orchestrator launches scenario nodes in dependency order, shapes
// their links, and collects peer transfer measurements.
type Orchestrator struct {
	rt  Runtime
	col Collector
	clk clock.Clock

	// Keep leaves containers (and the managed network) in place after
	// the run, for debugging.
	Keep bool

	// newShaper builds the per-container shaper; overridable in tests.
	newShaper func(r execx.Runner) Shaper
}

func New(rt Runtime, col Collector) *Orchestrator {
	if rt == nil {
		rt = docker.NewManager(nil)
	}
	if col == nil {
		col = collector.Docker{}
	}
	return &Orchestrator{
		rt:  rt,
		col: col,
		clk: clock.New(),
		newShaper: func(r execx.Runner) Shaper {
			return shaper.New(r)
		},
	}
}

// Result is the outcome of one scenario run. A run always terminates
// with a complete set of per-peer measurements (possibly containing
// failures) once structural validation has passed.
type Result struct {
	Scenario     string
	Measurements []model.Measurement
	Statuses     map[string]*model.Status
}

type nodeRun struct {
	name      string
	spec      *scenario.Node
	container string
	status    *model.Status
	started   bool
	ready     chan struct{}
	failed    chan struct{}
}

// Run executes a validated scenario. Structural errors are returned
// before any node is launched; runtime errors are node-scoped and
// surface in the result's statuses and measurements.
func (o *Orchestrator) Run(ctx context.Context, sc *scenario.Scenario) (*Result, error) {
	if sc == nil || sc.Graph() == nil {
		return nil, fmt.Errorf("%w: scenario not validated", scenario.ErrInvalidTopology)
	}
	if err := o.rt.EnsureNetwork(sc.Network.Name, sc.Network.External); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, sc.Defaults.RunTimeout())
	defer cancel()

	runs := make(map[string]*nodeRun, len(sc.Nodes))
	for _, name := range sc.Graph().Order() {
		n := sc.Nodes[name]
		runs[name] = &nodeRun{
			name:      name,
			spec:      n,
			container: sc.Name + "_" + name,
			status:    &model.Status{Node: name, Role: n.Role, State: model.StatePending},
			ready:     make(chan struct{}),
			failed:    make(chan struct{}),
		}
	}

	var (
		mu           sync.Mutex
		measurements []model.Measurement
	)
	record := func(m model.Measurement) {
		if m.Scenario == "" {
			m.Scenario = sc.Name
		}
		mu.Lock()
		measurements = append(measurements, m)
		mu.Unlock()
	}

	// Node errors are node-scoped, so the group is used purely to wait:
	// goroutines report through statuses and measurements, never by
	// cancelling siblings.
	var g errgroup.Group
	for _, name := range sc.Graph().Order() {
		nr := runs[name]
		g.Go(func() error {
			o.runNode(ctx, sc, nr, runs, record)
			return nil
		})
	}
	_ = g.Wait()

	for _, nr := range runs {
		if nr.status.State == model.StateRunning {
			nr.status.State = model.StateCompleted
			nr.status.DoneAt = o.clk.Now()
		}
	}

	if !o.Keep {
		o.teardown(sc, runs)
	}

	res := &Result{
		Scenario:     sc.Name,
		Measurements: measurements,
		Statuses:     make(map[string]*model.Status, len(runs)),
	}
	for name, nr := range runs {
		res.Statuses[name] = nr.status
	}
	return res, nil
}

func (o *Orchestrator) runNode(ctx context.Context, sc *scenario.Scenario, nr *nodeRun, runs map[string]*nodeRun, record func(model.Measurement)) {
	logger := log.WithFields(log.Fields{"scenario": sc.Name, "node": nr.name, "role": nr.spec.Role})

	// A node's workload never starts before all declared dependencies
	// are Ready.
	for _, dep := range sc.Graph().Dependencies(nr.name) {
		select {
		case <-runs[dep].ready:
		case <-runs[dep].failed:
			o.fail(nr, fmt.Errorf("%w: %s", ErrDependencyFailed, dep), record, logger)
			return
		case <-ctx.Done():
			o.fail(nr, fmt.Errorf("%w: timed out waiting for %s", ErrDependencyFailed, dep), record, logger)
			return
		}
	}

	nr.status.State = model.StateStarting
	nr.status.StartingAt = o.clk.Now()
	logger.Info("starting node")

	if err := o.startContainer(ctx, sc, nr); err != nil {
		o.fail(nr, err, record, logger)
		return
	}
	nr.started = true

	if !nr.spec.NetProfile.Zero() {
		sh := o.newShaper(o.rt.ExecRunner(nr.container))
		if err := sh.Apply(nr.spec.Device, nr.spec.NetProfile); err != nil {
			o.fail(nr, err, record, logger)
			return
		}
		logger.WithFields(log.Fields{
			"device":  nr.spec.Device,
			"rate":    shaper.FormatRate(nr.spec.NetProfile.RateBits),
			"burst":   humanize.IBytes(uint64(nr.spec.NetProfile.BurstBytes)),
			"latency": nr.spec.NetProfile.Latency.String(),
		}).Info("applied network profile")
	}

	argv := nr.spec.Argv()
	if nr.spec.Role == model.RolePeer {
		// A peer is Ready once its workload starts; dependents must not
		// wait for the transfer to complete.
		o.markReady(nr, logger)
		nr.status.State = model.StateRunning
		m := o.col.Measure(ctx, nr.name, nr.container, argv)
		m.Scenario = sc.Name
		m.Role = nr.spec.Role
		record(m)
		nr.status.DoneAt = o.clk.Now()
		if m.Status == model.StatusOK {
			nr.status.State = model.StateCompleted
			logger.WithFields(log.Fields{"ttfb_s": m.TTFB, "total_s": m.Total}).Info("transfer complete")
		} else {
			nr.status.State = model.StateFailed
			nr.status.Reason = m.Reason
			logger.WithField("reason", m.Reason).Warn("transfer failed")
		}
		return
	}

	// Tracker and seed workloads are long-running services; dependents
	// are released once the listener accepts connections.
	if err := o.rt.ExecDetached(nr.container, argv); err != nil {
		o.fail(nr, err, record, logger)
		return
	}
	if err := o.awaitReady(ctx, sc, nr); err != nil {
		o.fail(nr, err, record, logger)
		return
	}
	o.markReady(nr, logger)
	nr.status.State = model.StateRunning
}

func (o *Orchestrator) startContainer(ctx context.Context, sc *scenario.Scenario, nr *nodeRun) error {
	spec := docker.RunSpec{
		Name:    nr.container,
		Image:   nr.spec.Image,
		Network: sc.Network.Name,
		Volumes: nr.spec.Volumes,
		CapAdd:  nr.spec.CapAdd,
		Init:    strings.Fields(sc.Defaults.PauseCommand),
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(sc.Defaults.StartRetries)), ctx)
	return backoff.Retry(func() error {
		err := o.rt.Start(spec)
		if err != nil {
			// A half-created container would block the retry by name.
			_ = o.rt.Remove(nr.container)
		}
		return err
	}, bo)
}

// awaitReady polls the container until its service accepts connections,
// bounded by the scenario's ready timeout. Timeout here is a dependency
// failure for the subtree, not a fatal harness error.
func (o *Orchestrator) awaitReady(ctx context.Context, sc *scenario.Scenario, nr *nodeRun) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = sc.Defaults.ReadyTimeout()

	op := func() error {
		running, err := o.rt.Running(nr.container)
		if err != nil {
			return err
		}
		if !running {
			return fmt.Errorf("container %s not running", nr.container)
		}
		if nr.spec.ReadyPort == 0 {
			return nil
		}
		ip, err := o.rt.IP(nr.container)
		if err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, strconv.Itoa(nr.spec.ReadyPort)), time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("not ready within %s: %v", sc.Defaults.ReadyTimeout(), err)
	}
	return nil
}

func (o *Orchestrator) markReady(nr *nodeRun, logger *log.Entry) {
	nr.status.ReadyAt = o.clk.Now()
	nr.status.State = model.StateReady
	close(nr.ready)
	logger.Info("node ready")
}

// fail marks the node Failed and releases its dependents. A peer that
// never ran its transfer still yields exactly one failure record.
func (o *Orchestrator) fail(nr *nodeRun, err error, record func(model.Measurement), logger *log.Entry) {
	nr.status.State = model.StateFailed
	nr.status.Reason = err.Error()
	nr.status.DoneAt = o.clk.Now()
	close(nr.failed)
	logger.WithField("reason", err.Error()).Warn("node failed")

	if nr.spec.Role == model.RolePeer {
		record(model.Measurement{
			Timestamp: o.clk.Now(),
			Node:      nr.name,
			Role:      nr.spec.Role,
			Status:    model.StatusFailed,
			Reason:    err.Error(),
		})
	}
}

// teardown removes every started container (which also releases any
// shaping installed in its namespace) and the managed network.
func (o *Orchestrator) teardown(sc *scenario.Scenario, runs map[string]*nodeRun) {
	for name, nr := range runs {
		if !nr.started {
			continue
		}
		if err := o.rt.Remove(nr.container); err != nil {
			log.WithField("node", name).Warnf("remove failed: %v", err)
		}
	}
	if !sc.Network.External {
		if err := o.rt.RemoveNetwork(sc.Network.Name); err != nil {
			log.WithField("network", sc.Network.Name).Warnf("network remove failed: %v", err)
		}
	}
}
