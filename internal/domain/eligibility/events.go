package eligibility

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of eligibility event
type EventType string

const (
	EventEligibilityEvaluated EventType = "EligibilityEvaluated"
	EventRuleTableReloaded    EventType = "RuleTableReloaded"
)

// Event is an envelope published to the audit and result topics
type Event struct {
	ID            string          `json:"id"`
	EventType     EventType       `json:"event_type"`
	Key           string          `json:"key"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event with a random id
func NewEvent(eventType EventType, key string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Key:       key,
		EventData: eventData,
		Timestamp: time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the id of the request that produced the event
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// EvaluatedData describes one patient evaluation
type EvaluatedData struct {
	Codes          []string  `json:"codes"`
	AcuteEventDate string    `json:"acute_event_date,omitempty"`
	ReferenceDate  string    `json:"reference_date"`
	RuleSource     string    `json:"rule_source"`
	Results        []Result  `json:"results"`
	Summary        Summary   `json:"summary"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// ReloadedData describes a rule table swap
type ReloadedData struct {
	Source       string       `json:"source"`
	Distribution Distribution `json:"distribution"`
	LoadedAt     time.Time    `json:"loaded_at"`
}

// DateFormat is the calendar date layout used on every boundary
const DateFormat = "2006-01-02"

// EvaluationKey derives a deterministic key from the evaluation inputs, so the
// same codes and dates always land on the same partition.
func EvaluationKey(ctx PatientContext, today time.Time) string {
	parts := []string{
		strings.Join(ctx.Codes, ","),
		today.Format(DateFormat),
	}
	if ctx.AcuteEventDate != nil {
		parts = append(parts, ctx.AcuteEventDate.Format(DateFormat))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
