package events

type CommandKind string

const (
	CommandSpeak            CommandKind = "speak"
	CommandFlush            CommandKind = "flush"
	CommandClose            CommandKind = "close"
	CommandInject           CommandKind = "inject"
	CommandKeepAlive        CommandKind = "keepalive"
	CommandFunctionResponse CommandKind = "function_response"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Command is an instruction headed upstream. Only the fields relevant to
// Kind are set.
type Command struct {
	Kind CommandKind
	Text string
	Role Role
	// Function response correlation.
	ID   string
	Name string
}

func Speak(text string) Command { return Command{Kind: CommandSpeak, Text: text} }
func Flush() Command            { return Command{Kind: CommandFlush} }
func Close() Command            { return Command{Kind: CommandClose} }
func KeepAlive() Command        { return Command{Kind: CommandKeepAlive} }

func Inject(role Role, text string) Command {
	return Command{Kind: CommandInject, Role: role, Text: text}
}

// FunctionResponse carries a JSON encoded function result back upstream.
func FunctionResponse(id, name, content string) Command {
	return Command{Kind: CommandFunctionResponse, ID: id, Name: name, Text: content}
}
