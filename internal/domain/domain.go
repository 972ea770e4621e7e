package domain

// Version statuses.
const (
	VersionDraft           = "draft"
	VersionPendingApproval = "pending_approval"
	VersionApproved        = "approved"
	VersionRejected        = "rejected"
	VersionSuperseded      = "superseded"
)

// Instance statuses.
const (
	InstanceNotStarted = "not_started"
	InstanceInProgress = "in_progress"
	InstanceComplete   = "complete"
	InstanceBlocked    = "blocked"
)

// Decision outcomes.
const (
	OutcomeApprove        = "approve"
	OutcomeReject         = "reject"
	OutcomeRequestChanges = "request_changes"
)

// Decision tracks.
const (
	TrackFirst  = "first"
	TrackSecond = "second"
)

// Item provenance.
const (
	ProvenanceOriginated     = "originated"
	ProvenanceCarriedForward = "carried_forward"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobCompleted = "completed"
	JobStale     = "stale"
)

type Cycle struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,closed"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// PhaseInstance is one running occurrence of a named phase. Sequential phases
// use the empty scope key; fan-out phases carry the unit id that spawned them.
type PhaseInstance struct {
	ID               string  `json:"id"`
	CycleID          string  `json:"cycle_id"`
	Phase            string  `json:"phase"`
	ScopeKey         string  `json:"scope_key,omitempty"`
	Status           string  `json:"status" enum:"not_started,in_progress,complete,blocked"`
	ParentInstanceID *string `json:"parent_instance_id,omitempty"`
	StartedBy        *string `json:"started_by,omitempty"`
	StartedAt        *string `json:"started_at,omitempty" format:"date-time"`
	CompletedBy      *string `json:"completed_by,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// Version is one batch of items under review for a phase instance. Rev is the
// optimistic concurrency counter; Number is monotonic within the instance.
// Item counts are derived on read, never stored.
type Version struct {
	ID              string  `json:"id"`
	InstanceID      string  `json:"instance_id"`
	Number          int     `json:"number"`
	Status          string  `json:"status" enum:"draft,pending_approval,approved,rejected,superseded"`
	ParentVersionID *string `json:"parent_version_id,omitempty"`
	Rev             int64   `json:"rev"`
	SubmittedBy     *string `json:"submitted_by,omitempty"`
	SubmittedAt     *string `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedBy      *string `json:"reviewed_by,omitempty"`
	ReviewedAt      *string `json:"reviewed_at,omitempty" format:"date-time"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`

	TotalItems    int `json:"total_items"`
	ApprovedItems int `json:"approved_items"`
	RejectedItems int `json:"rejected_items"`
}

// Item is a single decision unit. The payload is opaque to the engine.
type Item struct {
	ID           string  `json:"id"`
	VersionID    string  `json:"version_id"`
	Category     string  `json:"category,omitempty"`
	PayloadJSON  string  `json:"payload_json"`
	Provenance   string  `json:"provenance" enum:"originated,carried_forward"`
	SourceItemID *string `json:"source_item_id,omitempty"`

	FirstOutcome *string `json:"first_outcome,omitempty" enum:"approve,reject,request_changes"`
	FirstNotes   *string `json:"first_notes,omitempty"`
	FirstBy      *string `json:"first_by,omitempty"`
	FirstAt      *string `json:"first_at,omitempty" format:"date-time"`

	SecondOutcome *string `json:"second_outcome,omitempty" enum:"approve,reject,request_changes"`
	SecondNotes   *string `json:"second_notes,omitempty"`
	SecondBy      *string `json:"second_by,omitempty"`
	SecondAt      *string `json:"second_at,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
}

// FinalOutcome is the later track's outcome when present, otherwise the first
// track's, otherwise empty.
func (i Item) FinalOutcome() string {
	if i.SecondOutcome != nil && *i.SecondOutcome != "" {
		return *i.SecondOutcome
	}
	if i.FirstOutcome != nil && *i.FirstOutcome != "" {
		return *i.FirstOutcome
	}
	return ""
}

// PhaseUnit is one unit produced by a fan-out predecessor phase (for example
// an identified data owner).
type PhaseUnit struct {
	CycleID   string `json:"cycle_id"`
	Phase     string `json:"phase"`
	UnitID    string `json:"unit_id"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PhaseClosure records the explicit "stopped producing units" signal.
type PhaseClosure struct {
	CycleID  string `json:"cycle_id"`
	Phase    string `json:"phase"`
	ClosedBy string `json:"closed_by"`
	ClosedAt string `json:"closed_at" format:"date-time"`
}

// Job tracks out-of-band external work (e.g. item generation). Engine state
// only advances through the job's completion callback; late callbacks for
// instances that moved on go stale.
type Job struct {
	ID          string  `json:"id"`
	CycleID     string  `json:"cycle_id"`
	Kind        string  `json:"kind"`
	InstanceID  *string `json:"instance_id,omitempty"`
	VersionID   *string `json:"version_id,omitempty"`
	Status      string  `json:"status" enum:"pending,completed,stale"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidOutcome reports whether s is a recognised decision outcome.
func ValidOutcome(s string) bool {
	switch s {
	case OutcomeApprove, OutcomeReject, OutcomeRequestChanges:
		return true
	}
	return false
}

// ValidTrack reports whether s is a recognised decision track.
func ValidTrack(s string) bool {
	return s == TrackFirst || s == TrackSecond
}
