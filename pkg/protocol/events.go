// Package protocol defines the wire-level constants and frame shapes shared
// by the foreman server and its WebSocket clients.
package protocol

// Event names published on the broadcast hub and forwarded to WebSocket
// clients. Agent events cover one spawn attempt (a span); heartbeat events
// cover scheduler fires; card events cover kanban transitions.
const (
	EventAgentSpawned   = "agent.spawned"
	EventAgentLog       = "agent.log"
	EventAgentCompleted = "agent.completed"
	EventAgentFailed    = "agent.failed"
	EventAgentTimeout   = "agent.timeout"
	EventAgentStopped   = "agent.stopped"

	EventHeartbeatTick    = "heartbeat.tick"
	EventHeartbeatSkipped = "heartbeat.skipped"
	EventHeartbeatDigest  = "heartbeat.digest"

	EventCardAssigned = "card.assigned"
	EventCardStatus   = "card.status"
	EventCardContext  = "card.context"

	EventReconcileRecovered = "reconcile.card_recovered"

	EventHealth   = "health"
	EventPresence = "presence"
	EventShutdown = "shutdown"
)

// Skip reasons carried in heartbeat.skipped payloads.
const (
	SkipReasonTickInProgress  = "tick_in_progress"
	SkipReasonSynthInProgress = "synthesize_in_progress"
	SkipReasonDisabled        = "disabled"
)
