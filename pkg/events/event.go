// Package events holds the vendor-neutral vocabulary exchanged between
// protocol adapters and the relay session.
package events

type Kind string

const (
	KindTranscript     Kind = "transcript"
	KindAudio          Kind = "audio"
	KindLLMText        Kind = "llm_text"
	KindFunctionCall   Kind = "function_call"
	KindFunctionResult Kind = "function_result"
	KindError          Kind = "error"
	KindClosed         Kind = "closed"
	KindLifecycle      Kind = "lifecycle"
)

// Marker names a lifecycle point reported by a vendor. The string value is
// also the client event type.
type Marker string

const (
	MarkerConnected            Marker = "connected"
	MarkerSettingsApplied      Marker = "settings_applied"
	MarkerUserStartedSpeaking  Marker = "user_started_speaking"
	MarkerAgentThinking        Marker = "agent_thinking"
	MarkerAgentStartedSpeaking Marker = "agent_started_speaking"
	MarkerAgentAudioDone       Marker = "agent_audio_done"
	MarkerFlushed              Marker = "flushed"
)

type Event interface {
	Kind() Kind
}

// Transcript is recognized speech. Confidence and TurnIndex are nil when the
// vendor does not report them.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence *float64
	TurnIndex  *int
}

type AudioChunk struct {
	Data []byte
}

// LLMText is assistant text, either produced by an agent vendor or by the
// local LLM collaborator.
type LLMText struct {
	Text string
}

type FunctionCallRequest struct {
	ID       string
	Name     string
	ArgsJSON string
}

type FunctionCallResult struct {
	ID         string
	Name       string
	ResultJSON string
	Error      string
}

type Error struct {
	Message string
	Code    string
}

type Closed struct {
	Reason string
}

type Lifecycle struct {
	Marker Marker
}

func (Transcript) Kind() Kind          { return KindTranscript }
func (AudioChunk) Kind() Kind          { return KindAudio }
func (LLMText) Kind() Kind             { return KindLLMText }
func (FunctionCallRequest) Kind() Kind { return KindFunctionCall }
func (FunctionCallResult) Kind() Kind  { return KindFunctionResult }
func (Error) Kind() Kind               { return KindError }
func (Closed) Kind() Kind              { return KindClosed }
func (Lifecycle) Kind() Kind           { return KindLifecycle }

// Float and Int return pointers for the optional transcript fields.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
