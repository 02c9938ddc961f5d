package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the serializable form of a Task handed to reporting and
// formatting collaborators.
type Record struct {
	TaskID           string         `json:"task_id"`
	Priority         string         `json:"priority"`
	PriorityValue    int            `json:"priority_value"`
	Description      string         `json:"description"`
	Category         string         `json:"category"`
	Status           Status         `json:"status"`
	AssignedAgent    string         `json:"assigned_agent,omitempty"`
	VerifierAgent    string         `json:"verifier_agent,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	OriginalPriority int            `json:"original_priority"`
	BoostCount       int            `json:"boost_count"`
	BatchID          string         `json:"batch_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	Dependencies     []string       `json:"dependencies,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
}

// Record converts t to its external form.
func (t *Task) Record() Record {
	c := t.Clone()
	return Record{
		TaskID:           c.ID,
		Priority:         c.Priority.Name(),
		PriorityValue:    int(c.Priority),
		Description:      c.Description,
		Category:         c.Category,
		Status:           c.Status,
		AssignedAgent:    c.AssignedAgent,
		VerifierAgent:    c.VerifierAgent,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		StartedAt:        c.StartedAt,
		CompletedAt:      c.CompletedAt,
		OriginalPriority: int(c.OriginalPriority),
		BoostCount:       c.BoostCount,
		BatchID:          c.BatchID,
		Metadata:         c.Metadata,
		RetryCount:       c.RetryCount,
		MaxRetries:       c.MaxRetries,
		Dependencies:     c.Dependencies,
		Tags:             c.Tags,
	}
}

// FromRecord rebuilds a Task. The priority name wins over priority_value
// when both are present.
func FromRecord(r Record) (*Task, error) {
	p := Priority(r.PriorityValue)
	if r.Priority != "" {
		parsed, err := ParsePriority(r.Priority)
		if err != nil {
			return nil, err
		}
		p = parsed
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w: value %d", ErrMalformedPriority, r.PriorityValue)
	}
	orig := Priority(r.OriginalPriority)
	if !orig.Valid() {
		orig = p
	}
	status := r.Status
	if status == "" {
		status = StatusPending
	}
	t := &Task{
		ID:               r.TaskID,
		Description:      r.Description,
		Priority:         p,
		OriginalPriority: orig,
		Category:         r.Category,
		Status:           status,
		AssignedAgent:    r.AssignedAgent,
		VerifierAgent:    r.VerifierAgent,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		BoostCount:       r.BoostCount,
		BatchID:          r.BatchID,
		Metadata:         r.Metadata,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		Dependencies:     r.Dependencies,
		Tags:             r.Tags,
	}
	if t.Category == "" {
		t.Category = CategoryOther
	}
	return t.Clone(), nil
}

// MarshalJSON encodes the task as a Record.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Record())
}

// UnmarshalJSON decodes a Record into t.
func (t *Task) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	parsed, err := FromRecord(r)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
