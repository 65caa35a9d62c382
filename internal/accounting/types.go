package accounting

// =============================================================================
// Endpoints
// =============================================================================

// Endpoint suffixes are fixed so a misconfiguration can never point both
// phases at the same path.
const (
	InletPath  = "/api/v1/inlet"
	OutletPath = "/api/v1/outlet"
)

// =============================================================================
// Request / Response Types
// =============================================================================

// requestPayload is the body sent to both endpoints.
type requestPayload struct {
	User any `json:"user"`
	Body any `json:"body"`
}

// InletResult is the pre-flight answer: the principal's current balance.
type InletResult struct {
	Success   bool    `json:"success"`
	Balance   float64 `json:"balance"`
	Error     string  `json:"error,omitempty"`
	ErrorType string  `json:"error_type,omitempty"`
}

// OutletResult is the post-flight answer: the cost of the exchange.
type OutletResult struct {
	Success      bool    `json:"success"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalCost    float64 `json:"totalCost"`
	NewBalance   float64 `json:"newBalance"`
	Error        string  `json:"error,omitempty"`
	ErrorType    string  `json:"error_type,omitempty"`
}

// Required numeric fields per endpoint when success is true.
var (
	inletRequired  = []string{"balance"}
	outletRequired = []string{"inputTokens", "outputTokens", "totalCost", "newBalance"}
)
