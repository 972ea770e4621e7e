package server

import (
	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

type CreateCycleRequest struct {
	ID          string `json:"id" example:"audit-2026"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateVersionRequest struct {
	InstanceID      string `json:"instance_id"`
	ParentVersionID string `json:"parent_version_id,omitempty"`
}

type AddItemsRequest struct {
	Rev   int64              `json:"rev"`
	Items []engine.ItemInput `json:"items"`
}

type SubmitVersionRequest struct {
	Rev int64 `json:"rev"`
}

type DecideVersionRequest struct {
	Rev     int64  `json:"rev"`
	Outcome string `json:"outcome" enum:"approve,reject"`
	Reason  string `json:"reason,omitempty"`
}

type DecisionRequest struct {
	Track   string `json:"track" enum:"first,second"`
	Outcome string `json:"outcome" enum:"approve,reject,request_changes"`
	Notes   string `json:"notes,omitempty"`
	// Role overrides the authenticated principal's declared role for this call.
	Role string `json:"role,omitempty"`
}

type BulkDecisionRequest struct {
	ItemIDs []string `json:"item_ids"`
	Track   string   `json:"track" enum:"first,second"`
	Outcome string   `json:"outcome" enum:"approve,reject,request_changes"`
	Notes   string   `json:"notes,omitempty"`
	Role    string   `json:"role,omitempty"`
}

type ReopenItemRequest struct {
	Rev int64 `json:"rev"`
}

type CarryForwardRequest struct {
	SourceVersionID string `json:"source_version_id"`
	TargetVersionID string `json:"target_version_id,omitempty"`
	TargetRev       int64  `json:"target_rev,omitempty"`
}

type StartInstanceRequest struct {
	Phase    string `json:"phase"`
	ScopeKey string `json:"scope_key,omitempty"`
}

type RegisterUnitRequest struct {
	UnitID string `json:"unit_id"`
	Label  string `json:"label,omitempty"`
}

type DispatchJobRequest struct {
	Kind       string `json:"kind" example:"item_generation"`
	InstanceID string `json:"instance_id,omitempty"`
	VersionID  string `json:"version_id,omitempty"`
}

type JobCallbackRequest struct {
	Items []engine.ItemInput `json:"items,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
