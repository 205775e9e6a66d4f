package bus

// Flow lifecycle topics.
const (
	TopicFlowSpawned   = "flow.spawned"
	TopicFlowSend      = "flow.send"
	TopicFlowResponse  = "flow.response"
	TopicFlowCompleted = "flow.completed"
	TopicFlowFailed    = "flow.failed"
	TopicFlowAbandoned = "flow.abandoned"
	TopicFlowResumed   = "flow.resumed"
)

// Delegation lifecycle topics.
const (
	TopicDelegationSpawned = "delegation.spawned"
	TopicDelegationUpdated = "delegation.updated"
)

// Acknowledgment tracker topics.
const (
	TopicAckRecorded  = "ack.recorded"
	TopicAckResent    = "ack.resent"
	TopicAckResponded = "ack.responded"
	TopicAckEscalated = "ack.escalated"
	TopicAckFailed    = "ack.failed"
)

// Gate admission topics.
const (
	TopicGateAcquired = "gate.acquired"
	TopicGateRejected = "gate.rejected"
)

// FlowEvent is the payload for every flow.* topic. The conversation index
// consumes send/response/completed events where MainConversation is true;
// side-channel chatter carries MainConversation=false and is ignored there.
type FlowEvent struct {
	JobID            string
	RunID            string
	SessionKey       string
	ConversationID   string
	FromAgentID      string
	ToAgentID        string
	Turn             int
	MainConversation bool
	Detail           string
}

// DelegationEvent is the payload for delegation.* topics.
type DelegationEvent struct {
	DelegationID  string
	RunID         string
	TargetAgentID string
	OldStatus     string
	NewStatus     string
	Detail        string
}

// AckEvent is the payload for ack.* topics.
type AckEvent struct {
	AckID         string
	MessageID     string
	CorrelationID string
	FromAgentID   string
	TargetAgentID string
	Attempts      int
	Detail        string
}

// GateEvent is the payload for gate.* topics.
type GateEvent struct {
	JobID  string
	Held   int
	Waited string
	Detail string
}
