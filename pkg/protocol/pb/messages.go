// Package pb holds the command bridge message types. They are encoded as
// JSON inside length-prefixed frames.
package pb

// ControlMessage wraps all bridge messages.
type ControlMessage struct {
	// Only one of these fields should be set.
	AuthRequest     *AuthRequest     `json:"auth_request,omitempty"`
	AuthResponse    *AuthResponse    `json:"auth_response,omitempty"`
	CommandRequest  *CommandRequest  `json:"command_request,omitempty"`
	CommandResponse *CommandResponse `json:"command_response,omitempty"`
	ErrorResponse   *ErrorResponse   `json:"error_response,omitempty"`
	Ping            *Ping            `json:"ping,omitempty"`
	Pong            *Pong            `json:"pong,omitempty"`
}

// ----- Auth -----

type AuthRequest struct {
	Token  string `json:"token"`  // empty = token-less bridge (if server allows)
	Client string `json:"client"` // adapter name, for logs
}

type AuthResponse struct {
	ServerVersion string   `json:"server_version"`
	Commands      []string `json:"commands"`
	DurationTypes []string `json:"duration_types"`
}

// ----- Commands -----

// CommandRequest is one slash command invocation forwarded by a platform
// adapter. TargetID is 0 when the optional user argument was omitted.
type CommandRequest struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	InvokerID    int64  `json:"invoker_id"`
	TargetID     int64  `json:"target_id,omitempty"`
	Duration     int64  `json:"duration,omitempty"`
	DurationType string `json:"duration_type,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// CommandResponse is what the adapter should post back to the channel.
type CommandResponse struct {
	ID        uint64   `json:"id"`
	Content   string   `json:"content,omitempty"`
	Embed     *Embed   `json:"embed,omitempty"`
	Buttons   []Button `json:"buttons,omitempty"`
	Ephemeral bool     `json:"ephemeral,omitempty"` // visible to the invoker only
}

type Embed struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Color        int    `json:"color"`
	ThumbnailFor int64  `json:"thumbnail_for,omitempty"` // user whose avatar to show
}

// Button is a link button rendered under the message.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ----- Generic -----

// Error codes carried in ErrorResponse.
const (
	CodeBadRequest   int32 = 400
	CodeUnauthorized int32 = 401
	CodeInternal     int32 = 500
)

type ErrorResponse struct {
	ID      uint64 `json:"id,omitempty"`
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
