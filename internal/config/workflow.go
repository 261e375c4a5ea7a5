package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type ApprovalMode string

const (
	ApprovalNone   ApprovalMode = "none"
	ApprovalManual ApprovalMode = "manual"
	ApprovalAuto   ApprovalMode = "auto"
)

// Gated reports whether a phase needs an approved record before it counts as done.
func (m ApprovalMode) Gated() bool {
	return m == ApprovalManual || m == ApprovalAuto
}

// Workflow models phaseline.yml: the ordered phase sequence and how each
// phase is decomposed.
type Workflow struct {
	Name      string            `yaml:"name"`
	UberAgent string            `yaml:"uber_agent"`
	Phases    []PhaseDef        `yaml:"phases"`
	Roles     map[string]string `yaml:"roles"`
}

type PhaseDef struct {
	Name            string       `yaml:"name"`
	Orchestrator    string       `yaml:"orchestrator"`
	Description     string       `yaml:"description"`
	Prerequisites   []string     `yaml:"prerequisites"`
	PrimaryArtifact string       `yaml:"primary_artifact"`
	MemoryType      string       `yaml:"memory_type"`
	Approval        ApprovalMode `yaml:"approval"`
	Tasks           []SubTaskDef `yaml:"tasks"`
}

type SubTaskDef struct {
	Agent        string   `yaml:"agent"`
	TaskType     string   `yaml:"task_type"`
	OutputFile   string   `yaml:"output_file"`
	MemoryType   string   `yaml:"memory_type"`
	Description  string   `yaml:"description"`
	Requirements []string `yaml:"requirements"`
	Outcomes     []string `yaml:"outcomes"`
	Priority     int      `yaml:"priority"`
}

// Outputs returns the declared output files of the phase, primary artifact first.
func (p PhaseDef) Outputs() []string {
	seen := map[string]bool{}
	var out []string
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		out = append(out, path)
	}
	add(p.PrimaryArtifact)
	for _, t := range p.Tasks {
		add(t.OutputFile)
	}
	return out
}

// Validate ensures the workflow meets required structure.
func (w *Workflow) Validate() error {
	if w.UberAgent == "" {
		return errors.New("workflow.uber_agent is required")
	}
	if len(w.Phases) == 0 {
		return errors.New("workflow.phases must list at least one phase")
	}
	names := map[string]bool{}
	orchestrators := map[string]string{}
	for i, p := range w.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if names[p.Name] {
			return fmt.Errorf("phase %s declared twice", p.Name)
		}
		names[p.Name] = true
		if p.Orchestrator == "" {
			return fmt.Errorf("phase %s has no orchestrator", p.Name)
		}
		if other, ok := orchestrators[p.Orchestrator]; ok {
			return fmt.Errorf("orchestrator %s used by phases %s and %s", p.Orchestrator, other, p.Name)
		}
		orchestrators[p.Orchestrator] = p.Name
		if p.Orchestrator == w.UberAgent {
			return fmt.Errorf("phase %s orchestrator collides with uber_agent", p.Name)
		}
		if p.PrimaryArtifact == "" {
			return fmt.Errorf("phase %s has no primary_artifact", p.Name)
		}
		switch p.Approval {
		case "", ApprovalNone, ApprovalManual, ApprovalAuto:
		default:
			return fmt.Errorf("phase %s has unknown approval mode %q", p.Name, p.Approval)
		}
		producesPrimary := false
		for j, t := range p.Tasks {
			if t.Agent == "" {
				return fmt.Errorf("phase %s task %d has no agent", p.Name, j)
			}
			if t.OutputFile == "" {
				return fmt.Errorf("phase %s task %d has no output_file", p.Name, j)
			}
			if t.OutputFile == p.PrimaryArtifact {
				producesPrimary = true
			}
		}
		if len(p.Tasks) > 0 && !producesPrimary {
			return fmt.Errorf("phase %s: no task produces primary artifact %s", p.Name, p.PrimaryArtifact)
		}
		for _, req := range p.Prerequisites {
			if req == "" {
				return fmt.Errorf("phase %s has an empty prerequisite", p.Name)
			}
		}
	}
	return nil
}

// Phase returns the named phase definition with defaults applied.
func (w *Workflow) Phase(name string) (PhaseDef, bool) {
	for _, p := range w.Phases {
		if p.Name == name {
			return withDefaults(p), true
		}
	}
	return PhaseDef{}, false
}

func withDefaults(p PhaseDef) PhaseDef {
	if p.Approval == "" {
		p.Approval = ApprovalNone
	}
	if p.MemoryType == "" {
		p.MemoryType = p.Name
	}
	tasks := make([]SubTaskDef, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.TaskType == "" {
			t.TaskType = "generate_artifact"
		}
		if t.MemoryType == "" {
			t.MemoryType = p.MemoryType
		}
		tasks[i] = t
	}
	p.Tasks = tasks
	return p
}

// PhaseNames returns the fixed phase order.
func (w *Workflow) PhaseNames() []string {
	out := make([]string, len(w.Phases))
	for i, p := range w.Phases {
		out[i] = p.Name
	}
	return out
}

// Next returns the phase after name, or "" when name is last or unknown.
func (w *Workflow) Next(name string) string {
	for i, p := range w.Phases {
		if p.Name == name && i+1 < len(w.Phases) {
			return w.Phases[i+1].Name
		}
	}
	return ""
}

// PhaseForOrchestrator maps an orchestrator agent back to its phase.
func (w *Workflow) PhaseForOrchestrator(agent string) (PhaseDef, bool) {
	for _, p := range w.Phases {
		if p.Orchestrator == agent {
			return withDefaults(p), true
		}
	}
	return PhaseDef{}, false
}

// WorkerAgents lists the distinct sub-task agents in declaration order.
func (w *Workflow) WorkerAgents() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range w.Phases {
		for _, t := range p.Tasks {
			if !seen[t.Agent] {
				seen[t.Agent] = true
				out = append(out, t.Agent)
			}
		}
	}
	return out
}

// RoleFor returns the role definition for agent, falling back to a generic one.
func (w *Workflow) RoleFor(agent string) string {
	if role, ok := w.Roles[agent]; ok && role != "" {
		return role
	}
	return fmt.Sprintf("You are %s, a specialist agent in a phased software delivery workflow.", agent)
}

// WorkflowPath returns the workflow file path for a workspace.
func WorkflowPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefaultWorkflow returns the default workflow YAML.
func GenerateDefaultWorkflow() string {
	return defaultWorkflowTemplate
}

// DefaultWorkflow returns the built-in delivery workflow.
func DefaultWorkflow() *Workflow {
	var w Workflow
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultWorkflowTemplate)).Decode(&w)
	return &w
}

// LoadWorkflow reads phaseline.yml from workspace, or returns the default
// workflow when the file does not exist.
func LoadWorkflow(workspace string) (*Workflow, error) {
	data, err := os.ReadFile(WorkflowPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultWorkflow(), nil
		}
		return nil, err
	}
	return WorkflowFromYAML(data)
}

// WorkflowFromYAML parses and validates a workflow from raw YAML bytes.
func WorkflowFromYAML(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid workflow yaml: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// WorkflowFromFile reads YAML workflow from the given path.
func WorkflowFromFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return WorkflowFromYAML(data)
}

const defaultWorkflowTemplate = `name: delivery
uber_agent: uber-orchestrator

roles:
  project-initializer: "You turn a raw project goal into a concise project brief: audience, problem, scope, success measures."
  goal-clarifier: "You restate the project goal as a mutual understanding document that a human can confirm line by line."
  constraints-analyst: "You list hard constraints and explicit anti-goals so later phases know what not to build."
  spec-writer: "You write complete, testable functional specifications from agreed goals and constraints."
  edge-case-analyst: "You enumerate edge cases, failure modes and acceptance criteria for a specification."
  pseudocode-writer: "You translate specifications into language-neutral, step-by-step pseudocode."
  architect: "You design module boundaries, data flow and interfaces for a system described by pseudocode."
  test-planner: "You write a master test plan whose cases map to the specification's acceptance criteria."
  coder: "You implement the architecture and report what was built, where, and which tests cover it."
  bmo-verifier: "You verify that the delivered behaviour matches the original intent and report any gaps."
  maintainer: "You plan ongoing maintenance: ownership, upgrade cadence, monitoring and known risks."
  doc-writer: "You write the end-user guide for the delivered system."

phases:
  - name: initialization
    orchestrator: orchestrator-initialization
    description: Capture the raw goal as a project brief.
    primary_artifact: docs/initialization/project_brief.md
    memory_type: initialization
    approval: none
    tasks:
      - agent: project-initializer
        output_file: docs/initialization/project_brief.md
        description: Write the project brief from the stated goal.
        requirements: [state the problem, name the users, define success]
        outcomes:
          - "File docs/initialization/project_brief.md exists"
          - "The brief contains a Success Criteria section"

  - name: goal-clarification
    orchestrator: orchestrator-goal-clarification
    description: Agree on what is being built and what is not.
    prerequisites: [docs/initialization/project_brief.md]
    primary_artifact: docs/Mutual_Understanding_Document.md
    memory_type: goal
    approval: manual
    tasks:
      - agent: goal-clarifier
        output_file: docs/Mutual_Understanding_Document.md
        description: Write the mutual understanding document.
        outcomes:
          - "File docs/Mutual_Understanding_Document.md exists"
          - "Every goal from the brief appears with measurable acceptance"
        priority: 5
      - agent: constraints-analyst
        output_file: docs/specifications/constraints_and_anti_goals.md
        description: List constraints and anti-goals.
        outcomes:
          - "File docs/specifications/constraints_and_anti_goals.md exists"
          - "The document has separate Constraints and Anti-Goals sections"

  - name: specification
    orchestrator: orchestrator-specification
    description: Produce the comprehensive specification.
    prerequisites:
      - docs/Mutual_Understanding_Document.md
      - docs/specifications/constraints_and_anti_goals.md
    primary_artifact: docs/specifications/comprehensive_specification.md
    memory_type: specification
    approval: manual
    tasks:
      - agent: spec-writer
        output_file: docs/specifications/comprehensive_specification.md
        description: Write the comprehensive functional specification.
        requirements: [cover every agreed goal, respect every constraint]
        outcomes:
          - "File docs/specifications/comprehensive_specification.md exists"
          - "Each requirement has an identifier and acceptance criteria"
        priority: 5
      - agent: edge-case-analyst
        output_file: docs/specifications/edge_cases.md
        description: Enumerate edge cases and failure modes.
        outcomes:
          - "File docs/specifications/edge_cases.md exists"

  - name: pseudocode
    orchestrator: orchestrator-pseudocode
    description: Translate the specification into pseudocode.
    prerequisites: [docs/specifications/comprehensive_specification.md]
    primary_artifact: docs/pseudocode/pseudocode.md
    memory_type: pseudocode
    approval: none
    tasks:
      - agent: pseudocode-writer
        output_file: docs/pseudocode/pseudocode.md
        description: Write pseudocode for every specified behaviour.
        outcomes:
          - "File docs/pseudocode/pseudocode.md exists"
          - "Every requirement identifier is referenced at least once"

  - name: architecture
    orchestrator: orchestrator-architecture
    description: Design the system architecture.
    prerequisites:
      - docs/specifications/comprehensive_specification.md
      - docs/pseudocode/pseudocode.md
    primary_artifact: docs/architecture/architecture.md
    memory_type: architecture
    approval: manual
    tasks:
      - agent: architect
        output_file: docs/architecture/architecture.md
        description: Describe modules, interfaces and data flow.
        outcomes:
          - "File docs/architecture/architecture.md exists"
          - "Every module lists its public interface"

  - name: refinement-testing
    orchestrator: orchestrator-refinement-testing
    description: Plan tests before implementation.
    prerequisites: [docs/architecture/architecture.md]
    primary_artifact: docs/test-plans/master_test_plan.md
    memory_type: test
    approval: auto
    tasks:
      - agent: test-planner
        output_file: docs/test-plans/master_test_plan.md
        description: Write the master test plan.
        outcomes:
          - "File docs/test-plans/master_test_plan.md exists"
          - "Each acceptance criterion maps to at least one test case"

  - name: refinement-implementation
    orchestrator: orchestrator-refinement-implementation
    description: Implement against the test plan.
    prerequisites:
      - docs/architecture/architecture.md
      - docs/test-plans/master_test_plan.md
    primary_artifact: docs/implementation/implementation_report.md
    memory_type: implementation
    approval: auto
    tasks:
      - agent: coder
        output_file: docs/implementation/implementation_report.md
        description: Implement the architecture and report the result.
        outcomes:
          - "File docs/implementation/implementation_report.md exists"
          - "The report lists every test from the master test plan with its status"

  - name: bmo-completion
    orchestrator: orchestrator-bmo-completion
    description: Verify the result matches the original intent.
    prerequisites:
      - docs/Mutual_Understanding_Document.md
      - docs/implementation/implementation_report.md
    primary_artifact: docs/bmo/intent_verification_report.md
    memory_type: verification
    approval: manual
    tasks:
      - agent: bmo-verifier
        output_file: docs/bmo/intent_verification_report.md
        description: Compare delivered behaviour with the mutual understanding document.
        outcomes:
          - "File docs/bmo/intent_verification_report.md exists"
          - "Every goal is marked met or unmet with evidence"

  - name: maintenance
    orchestrator: orchestrator-maintenance
    description: Plan ongoing maintenance.
    prerequisites: [docs/bmo/intent_verification_report.md]
    primary_artifact: docs/maintenance/maintenance_plan.md
    memory_type: maintenance
    approval: none
    tasks:
      - agent: maintainer
        output_file: docs/maintenance/maintenance_plan.md
        description: Write the maintenance plan.
        outcomes:
          - "File docs/maintenance/maintenance_plan.md exists"

  - name: documentation
    orchestrator: orchestrator-documentation
    description: Write user-facing documentation.
    prerequisites: [docs/maintenance/maintenance_plan.md]
    primary_artifact: docs/user_guide.md
    memory_type: documentation
    approval: auto
    tasks:
      - agent: doc-writer
        output_file: docs/user_guide.md
        description: Write the user guide.
        outcomes:
          - "File docs/user_guide.md exists"
          - "The guide has Installation and Usage sections"
`
