package errorsx

// ReasonCode is a short machine-readable error reason. It doubles as the
// error_code sent to clients.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "internal_error"

	ReasonConfiguration   ReasonCode = "configuration_error"
	ReasonUpstreamConnect ReasonCode = "upstream_connect_error"
	ReasonProtocol        ReasonCode = "protocol_error"
	ReasonFunction        ReasonCode = "function_execution_error"
	ReasonLLM             ReasonCode = "llm_error"
	ReasonTurnDropped     ReasonCode = "turn_dropped"

	// Expected terminations.
	ReasonClientDisconnect ReasonCode = "client_disconnect"
	ReasonUpstreamClosed   ReasonCode = "upstream_closed"
)

// Expected reports whether err is a normal way for a session to end.
func Expected(err error) bool {
	if err == nil {
		return true
	}
	switch Reason(err) {
	case ReasonClientDisconnect, ReasonUpstreamClosed:
		return true
	}
	return false
}
