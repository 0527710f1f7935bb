// Package protocol defines the wire envelope exchanged over a session and the
// closed set of typed payloads it can carry.
package protocol

import (
	"time"

	"deepresearch/internal/graph"
	"deepresearch/internal/types"
)

// MessageType names a payload variant.
type MessageType string

const (
	TypeAuth                 MessageType = "auth"
	TypeResearchQuery        MessageType = "research_query"
	TypeSubscribe            MessageType = "subscribe"
	TypeCancelResearch       MessageType = "cancel_research"
	TypeResearchUpdate       MessageType = "research_update"
	TypeResearchCompleted    MessageType = "research_completed"
	TypeKnowledgeGraphUpdate MessageType = "knowledge_graph_update"
	TypeFollowupQuestions    MessageType = "followup_questions"
	TypeError                MessageType = "error"
	TypePing                 MessageType = "ping"
	TypePong                 MessageType = "pong"
)

// Wire error codes.
const (
	CodeAuthFailed        = "AUTH_FAILED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeTaskFailed        = "TASK_FAILED"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeAlreadySubscribed = "ALREADY_SUBSCRIBED"
	CodeAlreadyFinished   = "ALREADY_FINISHED"
	CodeBadMessage        = "BAD_MESSAGE"
	CodeInternal          = "INTERNAL_ERROR"
	CodeHandshakeRequired = "HANDSHAKE_REQUIRED"
	CodeHandshakeTimeout  = "HANDSHAKE_TIMEOUT"
	CodeSlowConsumer      = "SLOW_CONSUMER"
)

// Assistant states reported in research_update.
const (
	StateQueued       = "queued"
	StateResearching  = "researching"
	StateSynthesizing = "synthesizing"
	StateIdle         = "idle"
)

// Message is any payload.
type Message interface {
	Type() MessageType
}

// ClientMessage is a payload a client may send. The set is closed: only
// types in this package implement it.
type ClientMessage interface {
	Message
	isClient()
}

// ServerMessage is a payload the server may send.
type ServerMessage interface {
	Message
	isServer()
}

// Auth opens a session. SessionID is set when resuming.
type Auth struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id,omitempty"`
}

// AuthAck acknowledges a successful handshake.
type AuthAck struct {
	SessionID string   `json:"session_id"`
	Principal string   `json:"principal"`
	Resumed   bool     `json:"resumed"`
	Tasks     []string `json:"tasks,omitempty"` // subscriptions carried over on resume
}

// ResearchQuery starts a task.
type ResearchQuery struct {
	Query          string `json:"query"`
	ContinuousMode bool   `json:"continuous_mode"`
	ForceRefresh   bool   `json:"force_refresh"`
}

// Subscribe attaches the session to an existing task.
type Subscribe struct {
	TaskID string `json:"task_id"`
}

// CancelResearch cancels a task.
type CancelResearch struct {
	TaskID string `json:"task_id"`
}

// ResearchUpdate reports status and progress.
type ResearchUpdate struct {
	Status           types.TaskStatus `json:"status"`
	Progress         int              `json:"progress"`
	CurrentFocusArea string           `json:"current_focus_area,omitempty"`
	SourcesFound     int              `json:"sources_found"`
	AssistantState   string           `json:"assistant_state"`
	FocusAreas       []FocusStatus    `json:"focus_areas,omitempty"`
}

// FocusStatus is the per-area view carried by a research_update.
type FocusStatus struct {
	Topic     string `json:"topic"`
	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// ResearchCompleted carries the final result.
type ResearchCompleted struct {
	RequestID  string            `json:"request_id,omitempty"`
	Query      string            `json:"query,omitempty"`
	Summary    string            `json:"summary"`
	FocusAreas []types.FocusArea `json:"focus_areas"`
	CacheHit   bool              `json:"cache_hit,omitempty"`
}

// KnowledgeGraphUpdate carries the graph assembled so far.
type KnowledgeGraphUpdate struct {
	PartialGraph graph.View `json:"partial_graph"`
}

// FollowupQuestions carries suggested next queries.
type FollowupQuestions struct {
	Questions []string `json:"questions"`
}

// Error reports a failure.
type Error struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Ping is a keepalive probe.
type Ping struct {
	Timestamp time.Time `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Auth) Type() MessageType                 { return TypeAuth }
func (AuthAck) Type() MessageType              { return TypeAuth }
func (ResearchQuery) Type() MessageType        { return TypeResearchQuery }
func (Subscribe) Type() MessageType            { return TypeSubscribe }
func (CancelResearch) Type() MessageType       { return TypeCancelResearch }
func (ResearchUpdate) Type() MessageType       { return TypeResearchUpdate }
func (ResearchCompleted) Type() MessageType    { return TypeResearchCompleted }
func (KnowledgeGraphUpdate) Type() MessageType { return TypeKnowledgeGraphUpdate }
func (FollowupQuestions) Type() MessageType    { return TypeFollowupQuestions }
func (Error) Type() MessageType                { return TypeError }
func (Ping) Type() MessageType                 { return TypePing }
func (Pong) Type() MessageType                 { return TypePong }

func (Auth) isClient()           {}
func (ResearchQuery) isClient()  {}
func (Subscribe) isClient()      {}
func (CancelResearch) isClient() {}
func (Ping) isClient()           {}
func (Pong) isClient()           {}

func (AuthAck) isServer()              {}
func (ResearchUpdate) isServer()       {}
func (ResearchCompleted) isServer()    {}
func (KnowledgeGraphUpdate) isServer() {}
func (FollowupQuestions) isServer()    {}
func (Error) isServer()                {}
func (Ping) isServer()                 {}
func (Pong) isServer()                 {}

// IsTerminal reports whether msg ends a task's event stream.
func IsTerminal(msg ServerMessage) bool {
	switch m := msg.(type) {
	case ResearchCompleted:
		return true
	case Error:
		return m.ErrorCode == CodeTaskFailed
	case ResearchUpdate:
		return m.Status == types.StatusCancelled
	default:
		return false
	}
}
