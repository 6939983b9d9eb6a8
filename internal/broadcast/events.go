package broadcast

import (
	"fraud_explorer/internal/domain"
)

const (
	EventTransaction      = "transaction"
	EventSimulationStatus = "simulation_status"
	EventStatus           = "status"
	EventConnection       = "connection"
	EventError            = "error"
)

const (
	CommandStartFeed = "start_feed"
	CommandStopFeed  = "stop_feed"
	CommandGetStatus = "get_status"

	// Older dashboards send these names.
	commandStartSimulation = "start_simulation"
	commandStopSimulation  = "stop_simulation"
)

const welcomeMessage = "Connected to fraud detection system"

type Command struct {
	Type string `json:"type"`
}

type TransactionPayload struct {
	Transaction domain.Transaction `json:"transaction"`
	Decision    domain.Decision    `json:"decision"`
}

type TransactionEvent struct {
	Type string             `json:"type"`
	Data TransactionPayload `json:"data"`
}

type FeedStatusEvent struct {
	Type    string `json:"type"`
	Running bool   `json:"running"`
}

type StatusEvent struct {
	Type            string `json:"type"`
	Running         bool   `json:"running"`
	SubscriberCount int    `json:"subscriberCount"`
}

type ConnectionEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
