package order

import (
	"encoding/json"
	"time"
)

// EventType identifies a lifecycle domain event.
type EventType string

const (
	EventOrderCreated       EventType = "OrderCreated"
	EventOrderDosingUpdated EventType = "OrderDosingUpdated"
	EventOrderTransmitted   EventType = "OrderTransmitted"
	EventOrderApproved      EventType = "OrderApproved"
	EventOrderRejected      EventType = "OrderRejected"
	EventOrderHeld          EventType = "OrderHeld"
	EventOrderResumed       EventType = "OrderResumed"
	EventOrderCompleted     EventType = "OrderCompleted"
	EventOrderCancelled     EventType = "OrderCancelled"
)

// Event is one domain event, persisted through the outbox and
// published on the order events topic.
type Event struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	ActorID       string          `json:"actor_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent builds an event with a marshalled payload. The id and
// timestamp come from the caller's providers so event streams are
// reproducible in tests.
func NewEvent(id, orderID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        id,
		OrderID:   orderID,
		EventType: eventType,
		EventData: payload,
		Timestamp: at,
	}, nil
}

// CreatedData is the OrderCreated payload.
type CreatedData struct {
	OrderID      string  `json:"order_id"`
	PatientID    string  `json:"patient_id"`
	PrescriberID string  `json:"prescriber_id"`
	Medication   string  `json:"medication"`
	IsControlled bool    `json:"is_controlled"`
	DEASchedule  string  `json:"dea_schedule,omitempty"`
	Quantity     float64 `json:"quantity"`
	OverallRisk  string  `json:"overall_risk"`
}

// TransmittedData is the OrderTransmitted payload.
type TransmittedData struct {
	OrderID         string `json:"order_id"`
	PharmacyID      string `json:"pharmacy_id"`
	AttemptSequence int    `json:"attempt_sequence"`
	Status          string `json:"status"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// StatusChangeData is the payload for the remaining transitions.
type StatusChangeData struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Reason  string `json:"reason,omitempty"`
}
