package models

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParentKeyRoot is the sibling-group key for messages with no parent.
const ParentKeyRoot = "root"

// Message is a node in a thread's conversation tree. A nil ParentID marks a
// root message. Records are append-only once written; the single exception is
// the newest assistant message, whose Content/Reasoning/ToolCalls are mutated
// in place while it streams.
type Message struct {
	ID       string  `json:"id"`
	ThreadID string  `json:"thread"`
	ParentID *string `json:"parent,omitempty"`
	Role     Role    `json:"role"`
	Content  Content `json:"content"`
	// Reasoning holds provider "thinking" output, if any.
	Reasoning     string     `json:"reasoning,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	AttachmentIDs []string   `json:"attachment_ids,omitempty"`
	Model         string     `json:"model,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	// Finished marks the end of streaming; a finished assistant message no
	// longer accepts deltas.
	Finished bool `json:"finished,omitempty"`
	// CreatedTS is the creation timestamp (ns). Seq is the store's monotonic
	// insertion counter; (CreatedTS, Seq) orders siblings and breaks ties
	// when the clock is too coarse to separate two inserts.
	CreatedTS int64  `json:"created_ts"`
	Seq       uint64 `json:"seq"`
}

// ParentKey returns the sibling-group key for this message's parent.
func (m *Message) ParentKey() string {
	if m.ParentID == nil {
		return ParentKeyRoot
	}
	return *m.ParentID
}

// ToolCall records one tool invocation made while producing an assistant
// message. Arguments and Result are raw JSON from the tool layer.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ThreadMessage is the view-model projection of one active-conversation
// entry. SiblingIndex/SiblingCount are computed at resolution time and are
// never stored.
type ThreadMessage struct {
	Message
	SiblingIndex int `json:"sibling_index"`
	SiblingCount int `json:"sibling_count"`
}

// AssistantDelta is a partial in-place update to a streaming assistant
// message. Nil/empty fields are left untouched; AppendText is concatenated
// onto the current text content.
type AssistantDelta struct {
	AppendText      string     `json:"append_text,omitempty"`
	SetContent      *Content   `json:"set_content,omitempty"`
	AppendReasoning string     `json:"append_reasoning,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
}
