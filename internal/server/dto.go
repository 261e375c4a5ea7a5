package server

import (
	"phaseline/internal/domain"
	"phaseline/internal/ledger"
)

// Request payloads

type EnqueueTaskRequest struct {
	FromAgent string             `json:"from_agent,omitempty" doc:"Defaults to the authenticated actor"`
	ToAgent   string             `json:"to_agent"`
	TaskType  string             `json:"task_type"`
	Priority  int                `json:"priority,omitempty"`
	Payload   domain.TaskPayload `json:"payload" required:"false"`
}

type CompleteTaskRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

type FailTaskRequest struct {
	Error string `json:"error"`
}

type RecordArtifactsRequest struct {
	Artifacts []ledger.Artifact `json:"artifacts"`
}

type TickRequest struct {
	Goal  string `json:"goal,omitempty"`
	Retry bool   `json:"retry,omitempty"`
}

// Response payloads

type ClaimResponse struct {
	Claimed bool        `json:"claimed"`
	Task    domain.Task `json:"task"`
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type RecordArtifactsResponse struct {
	Items []ledger.ItemResult `json:"items"`
}

type CleanResponse struct {
	Removed int `json:"removed"`
}

type MemoryList struct {
	Items []domain.MemoryRecord `json:"items"`
}

type ApprovalList struct {
	Items []domain.Approval `json:"items"`
}

type PrerequisitesResponse struct {
	Phase   string   `json:"phase"`
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
