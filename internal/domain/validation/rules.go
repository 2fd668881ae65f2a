package validation

// ValidMCPMethods is the allowlist of MCP method names the gateway
// forwards. Anything else is rejected up front with method-not-found,
// before inspection or routing ever sees it.
//
// Method set per https://modelcontextprotocol.io/specification/2025-06-18
var ValidMCPMethods = map[string]bool{
	// Lifecycle
	"initialize":                true,
	"initialized":               true,
	"notifications/initialized": true,
	"ping":                      true,

	// Tools
	"tools/list": true,
	"tools/call": true,

	// Resources
	"resources/list":           true,
	"resources/templates/list": true,
	"resources/read":           true,
	"resources/subscribe":      true,
	"resources/unsubscribe":    true,

	// Prompts
	"prompts/list": true,
	"prompts/get":  true,

	// Completion
	"completion/complete": true,

	// Logging
	"logging/setLevel": true,

	// Notifications
	"notifications/cancelled":              true,
	"notifications/progress":               true,
	"notifications/message":                true,
	"notifications/resources/updated":      true,
	"notifications/resources/list_changed": true,
	"notifications/tools/list_changed":     true,
	"notifications/prompts/list_changed":   true,

	// Sampling (server -> client)
	"sampling/createMessage": true,

	// Elicitation (server -> client)
	"elicitation/create": true,

	// Roots (server -> client)
	"roots/list":                       true,
	"notifications/roots/list_changed": true,
}

// IsValidMCPMethod reports whether the gateway forwards this method.
// Comparison is case-sensitive, as JSON-RPC method names are.
func IsValidMCPMethod(method string) bool {
	return ValidMCPMethods[method]
}
