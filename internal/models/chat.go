package models

// ChatRoleClient is the role tag of messages written by people; anything else
// came from the agent.
const ChatRoleClient = "CLIENT"

// ChatMessage is one line of the agent chat. Messages have no identity.
type ChatMessage struct {
	Sender    string    `json:"sender"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp"`
}

// FromAgent reports whether the message was written by the agent.
func (m ChatMessage) FromAgent() bool {
	return m.Role != "" && m.Role != ChatRoleClient
}

// AgentChatRequest is the body of POST /agent/coze-chat.
type AgentChatRequest struct {
	Content string `json:"content"`
	UserID  int64  `json:"userId,omitempty"`
}

// AgentChatResponse is the synchronous agent reply.
type AgentChatResponse struct {
	Response string `json:"response"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}
