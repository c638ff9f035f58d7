package models

// ChatMessage is one prior turn handed to the completion service.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type StartSessionRequest struct {
	CompanionID string `json:"companion_id"`
	ModuleID    int    `json:"module_id"`
	Mode        string `json:"mode,omitempty"` // "text" | "audio"
}

type CopyResponse struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}
