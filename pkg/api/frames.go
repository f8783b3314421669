package api

// clientFrame is the single inbound message shape. Type selects which of
// the optional fields are meaningful.
type clientFrame struct {
	Type       string `json:"type"`
	Credential string `json:"credential,omitempty"`
	Content    string `json:"content,omitempty"`
	Division   string `json:"division,omitempty"`
}

const (
	frameVerify      = "verify"
	frameMessage     = "message"
	frameSetDivision = "set_division"
	framePing        = "ping"
)

type connectedFrame struct {
	Type string `json:"type"`
}

type scopeSummary struct {
	TenantID    *string  `json:"tenant_id,omitempty"`
	UserID      *string  `json:"user_id,omitempty"`
	Departments []string `json:"departments"`
}

type verifiedFrame struct {
	Type  string       `json:"type"`
	Scope scopeSummary `json:"scope"`
}

type streamChunkFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

type cognitiveStateFrame struct {
	Type       string   `json:"type"`
	Phase      string   `json:"phase,omitempty"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
	Escalation string   `json:"escalation,omitempty"`
}

type sessionAnalyticsFrame struct {
	Type              string `json:"type"`
	SessionDurationMS int64  `json:"session_duration_ms"`
	TurnCount         int    `json:"turn_count"`
	ToolInvocations   int    `json:"tool_invocations"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"`
}
