package models

// Thread is a conversation container owning a tree of messages.
type Thread struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - last time metadata or thread activity changed
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// BranchOverride is a durable pointer selecting which sibling is active for
// one parent key. ParentKey is a message id, or "root" for the top-level
// sibling group. At most one override exists per (thread, parent key);
// absence is a valid permanent state and defaults to the latest child.
type BranchOverride struct {
	ThreadID      string `json:"thread"`
	ParentKey     string `json:"parent_key"`
	ActiveChildID string `json:"active_child"`
}
