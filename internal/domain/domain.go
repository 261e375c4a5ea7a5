package domain

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Task types known to the engine. Agents may use others.
const (
	TaskTypeOrchestratePhase = "orchestrate_phase"
	TaskTypeGenerateArtifact = "generate_artifact"
	TaskTypeSchedule         = "schedule"
	TaskTypeSynthetic        = "synthetic_test"
)

// Well-known payload context keys.
const (
	ContextGoal         = "goal"
	ContextOutputFile   = "output_file"
	ContextMemoryType   = "memory_type"
	ContextParentTaskID = "parent_task_id"
	ContextRole         = "role"
)

// TaskPayload is the stable envelope carried by every task. Context holds
// task-type specific fields.
type TaskPayload struct {
	TaskID               int64          `json:"task_id" required:"false"`
	Description          string         `json:"description" required:"false"`
	Context              map[string]any `json:"context,omitempty"`
	Requirements         []string       `json:"requirements,omitempty"`
	AIVerifiableOutcomes []string       `json:"ai_verifiable_outcomes,omitempty"`
	Phase                string         `json:"phase,omitempty"`
	Priority             int            `json:"priority" required:"false"`
}

// ContextString returns a string context value or "".
func (p TaskPayload) ContextString(key string) string {
	if p.Context == nil {
		return ""
	}
	if v, ok := p.Context[key].(string); ok {
		return v
	}
	return ""
}

type Task struct {
	ID          int64          `json:"id"`
	Namespace   string         `json:"namespace"`
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent"`
	TaskType    string         `json:"task_type"`
	Priority    int            `json:"priority"`
	Status      TaskStatus     `json:"status" enum:"pending,in_progress,completed,failed"`
	Payload     TaskPayload    `json:"payload"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	StartedAt   *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type MemoryRecord struct {
	Namespace           string `json:"namespace"`
	FilePath            string `json:"file_path"`
	MemoryType          string `json:"memory_type"`
	BriefDescription    string `json:"brief_description"`
	ElementsDescription string `json:"elements_description"`
	Rationale           string `json:"rationale"`
	Version             int    `json:"version"`
	ContentFingerprint  string `json:"content_fingerprint"`
	TokenCount          int    `json:"token_count"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	LastUpdatedAt       string `json:"last_updated_at" format:"date-time"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
)

type Approval struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	Phase       string         `json:"phase"`
	Artifacts   []string       `json:"artifacts"`
	Message     string         `json:"message"`
	Status      ApprovalStatus `json:"status" enum:"pending,approved"`
	RequestedBy string         `json:"requested_by"`
	DecidedBy   *string        `json:"decided_by,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	DecidedAt   *string        `json:"decided_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Namespace  string         `json:"namespace"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Phase names of the default delivery workflow.
const (
	PhaseInitialization           = "initialization"
	PhaseGoalClarification        = "goal-clarification"
	PhaseSpecification            = "specification"
	PhasePseudocode               = "pseudocode"
	PhaseArchitecture             = "architecture"
	PhaseRefinementTesting        = "refinement-testing"
	PhaseRefinementImplementation = "refinement-implementation"
	PhaseBMOCompletion            = "bmo-completion"
	PhaseMaintenance              = "maintenance"
	PhaseDocumentation            = "documentation"
)
