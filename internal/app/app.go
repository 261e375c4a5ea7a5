// Package app wires the engine's components from Settings.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"phaseline/internal/agent"
	"phaseline/internal/approval"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/generator"
	"phaseline/internal/ledger"
	"phaseline/internal/logging"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
	"phaseline/internal/phase"
	"phaseline/internal/prereq"
	"phaseline/internal/queue"
	"phaseline/internal/scheduler"
)

// App holds one wired set of components. It is built once per process.
type App struct {
	Settings  *config.Settings
	Workflow  *config.Workflow
	Logger    *zap.Logger
	DB        *db.DB
	Notifier  notify.Notifier
	Queue     queue.Queue
	Gate      approval.Gate
	Scheduler scheduler.Scheduler

	// Generator overrides the Anthropic generator, mainly for tests.
	Generator generator.Generator

	root        string
	limiterOnce sync.Once
	limiter     *rate.Limiter
	closers     []func()
}

// Open connects to the store, applies migrations, loads the workflow and
// builds every component. Close releases what Open acquired.
func Open(s *config.Settings, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	root, err := filepath.Abs(s.Workspace)
	if err != nil {
		return nil, err
	}
	wf, err := config.LoadWorkflow(root)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: root, Driver: s.DB.Driver, DSN: s.DB.DSN})
	if err != nil {
		return nil, err
	}
	a := &App{Settings: s, Workflow: wf, Logger: logger, DB: conn, root: root}
	a.closers = append(a.closers, func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a.Notifier = notify.Nop{}
	if s.NATS.URL != "" {
		nc, err := notify.Connect(s.NATS.URL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Notifier = nc
		a.closers = append(a.closers, nc.Close)
	}

	a.Queue = queue.New(conn)
	a.Queue.Notifier = a.Notifier
	a.Queue.Logger = logger.Named("queue")
	a.Gate = approval.New(conn)
	a.Gate.Logger = logger.Named("approval")
	a.Scheduler = scheduler.Scheduler{
		Workflow: wf,
		Queue:    a.Queue,
		Gate:     a.Gate,
		Notifier: a.Notifier,
		Logger:   logger.Named("scheduler"),
		Interval: s.PollInterval,
	}
	return a, nil
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Root is the workspace directory holding the workflow and the store.
func (a *App) Root() string {
	return a.root
}

// ProjectRoot is the directory namespace's artifacts are resolved against.
func (a *App) ProjectRoot(namespace string) (string, error) {
	return config.ProjectRoot(a.root, a.Settings.Projects, namespace)
}

// LedgerFor returns the ledger reading artifacts from namespace's project
// directory.
func (a *App) LedgerFor(namespace string) (ledger.Ledger, error) {
	root, err := a.ProjectRoot(namespace)
	if err != nil {
		return ledger.Ledger{}, err
	}
	l := ledger.New(a.DB, root)
	l.Logger = a.Logger.Named("ledger")
	return l, nil
}

// ValidatorFor returns the prerequisite validator of namespace.
func (a *App) ValidatorFor(namespace string) (prereq.Validator, error) {
	root, err := a.ProjectRoot(namespace)
	if err != nil {
		return prereq.Validator{}, err
	}
	return prereq.Validator{Root: root, Workflow: a.Workflow}, nil
}

// Orchestrator builds the orchestrator of the named phase for namespace.
func (a *App) Orchestrator(namespace, name string) (phase.Orchestrator, error) {
	def, ok := a.Workflow.Phase(name)
	if !ok {
		return phase.Orchestrator{}, fmt.Errorf("unknown phase %q", name)
	}
	l, err := a.LedgerFor(namespace)
	if err != nil {
		return phase.Orchestrator{}, err
	}
	v, err := a.ValidatorFor(namespace)
	if err != nil {
		return phase.Orchestrator{}, err
	}
	return phase.Orchestrator{
		Phase:        def,
		Workflow:     a.Workflow,
		Queue:        a.Queue,
		Ledger:       l,
		Validator:    v,
		Gate:         a.Gate,
		Notifier:     a.Notifier,
		Logger:       a.Logger.Named("phase"),
		PollInterval: a.Settings.PollInterval,
	}, nil
}

// Agents lists every agent of the workflow: the uber agent, then one
// orchestrator per phase, then the content agents.
func (a *App) Agents() []string {
	out := []string{a.Workflow.UberAgent}
	for _, p := range a.Workflow.Phases {
		out = append(out, p.Orchestrator)
	}
	return append(out, a.Workflow.WorkerAgents()...)
}

// HandlerFor returns the task handler that runs as agentName within
// namespace. Orchestrators and content agents read and write namespace's
// project directory only.
func (a *App) HandlerFor(namespace, agentName string) (agent.Handler, error) {
	if agentName == a.Workflow.UberAgent {
		return a.Scheduler.Handler(), nil
	}
	if def, ok := a.Workflow.PhaseForOrchestrator(agentName); ok {
		orch, err := a.Orchestrator(namespace, def.Name)
		if err != nil {
			return nil, err
		}
		return orch.Handler(), nil
	}
	for _, w := range a.Workflow.WorkerAgents() {
		if w != agentName {
			continue
		}
		root, err := a.ProjectRoot(namespace)
		if err != nil {
			return nil, err
		}
		gen, err := a.generator()
		if err != nil {
			return nil, err
		}
		return generator.Worker{
			Generator: gen,
			Workflow:  a.Workflow,
			Root:      root,
			Limiter:   a.sharedLimiter(),
			Logger:    a.Logger.Named("generator"),
		}.Handler(), nil
	}
	return nil, fmt.Errorf("unknown agent %q", agentName)
}

// Loop builds the polling loop of agentName within namespace.
func (a *App) Loop(namespace, agentName string) (agent.Loop, error) {
	h, err := a.HandlerFor(namespace, agentName)
	if err != nil {
		return agent.Loop{}, err
	}
	return agent.Loop{
		Queue:     a.Queue,
		Namespace: namespace,
		Agent:     agentName,
		Interval:  a.Settings.PollInterval,
		Handler:   h,
		Notifier:  a.Notifier,
		Logger:    a.Logger.Named("agent"),
	}, nil
}

// DirectTask builds the task `pl run` enqueues for agentName when no task
// id is given. Orchestrators get an orchestrate_phase task so a direct run
// counts toward phase completion; workers get the first sub-task declared
// for them.
func (a *App) DirectTask(agentName, goal string) (string, domain.TaskPayload, error) {
	payload := domain.TaskPayload{Context: map[string]any{}}
	if goal != "" {
		payload.Context[domain.ContextGoal] = goal
	}
	if agentName == a.Workflow.UberAgent {
		payload.Description = "schedule next phase"
		return domain.TaskTypeSchedule, payload, nil
	}
	if def, ok := a.Workflow.PhaseForOrchestrator(agentName); ok {
		payload.Phase = def.Name
		payload.Description = fmt.Sprintf("orchestrate phase %s", def.Name)
		return domain.TaskTypeOrchestratePhase, payload, nil
	}
	for _, name := range a.Workflow.PhaseNames() {
		def, _ := a.Workflow.Phase(name)
		for _, t := range def.Tasks {
			if t.Agent != agentName {
				continue
			}
			payload.Phase = def.Name
			payload.Description = t.Description
			payload.Requirements = t.Requirements
			payload.AIVerifiableOutcomes = t.Outcomes
			payload.Context[domain.ContextOutputFile] = t.OutputFile
			payload.Context[domain.ContextMemoryType] = t.MemoryType
			payload.Context[domain.ContextRole] = a.Workflow.RoleFor(agentName)
			return domain.TaskTypeSynthetic, payload, nil
		}
	}
	return "", domain.TaskPayload{}, fmt.Errorf("unknown agent %q", agentName)
}

// RunDaemon runs the scheduler and every agent loop of namespace until ctx
// is cancelled or one of them fails.
func (a *App) RunDaemon(ctx context.Context, namespace string, opts scheduler.TickOptions) error {
	var loops []agent.Loop
	for _, name := range a.Agents() {
		l, err := a.Loop(namespace, name)
		if err != nil {
			return err
		}
		loops = append(loops, l)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Scheduler.Run(gctx, namespace, opts)
	})
	for _, l := range loops {
		g.Go(func() error {
			return l.Run(gctx)
		})
	}
	a.Logger.Info("daemon started", zap.String("namespace", namespace), zap.Int("agents", len(loops)))
	return g.Wait()
}

func (a *App) generator() (generator.Generator, error) {
	if a.Generator != nil {
		return a.Generator, nil
	}
	s := a.Settings
	return generator.NewAnthropic(s.Anthropic.APIKey, s.Anthropic.Model, s.Anthropic.MaxTokens)
}

// sharedLimiter is shared by every content agent of the process so the
// configured rate applies to the generator as a whole.
func (a *App) sharedLimiter() *rate.Limiter {
	a.limiterOnce.Do(func() {
		a.limiter = generator.NewLimiter(a.Settings.Generator.RatePerMinute)
	})
	return a.limiter
}
