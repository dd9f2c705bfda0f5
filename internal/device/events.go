package device

import "time"

// ConnectionState describes the session lifecycle state shown to collaborators.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Bus topics the protocol core publishes on. Collaborators subscribe to the
// subset they render; payload types are listed next to each topic.
const (
	TopicConnState = "conn.state"        // StateChange
	TopicStatus    = "status"            // StatusMessage
	TopicError     = "error"             // DeviceError
	TopicOperation = "operation"         // Operation
	TopicSerial    = "board.serial"      // SerialNumber
	TopicFileList  = "file.list"         // FileList
	TopicConfig    = "device.config"     // Config
	TopicTime      = "device.time"       // TimeInfo
	TopicDownload  = "download.complete" // Download
	TopicRawLog    = "serial.log"        // RawLog
	TopicWire      = "wire.message"      // protocol.WireMessage (every decoded inbound)
)

// StateChange is published on every session state transition.
type StateChange struct {
	State     ConnectionState
	Port      string
	Timestamp time.Time
}

// StatusMessage is a human-readable progress line for status bars.
type StatusMessage struct {
	Text      string
	Timestamp time.Time
}

// DeviceError reports a recoverable or fatal protocol error. Command is set
// when the device rejected a specific command (NAK), empty otherwise.
type DeviceError struct {
	Command   string
	Message   string
	Timestamp time.Time
}

// Operation reports a device-acknowledged operation by command name.
type Operation struct {
	Command   string
	Timestamp time.Time
}

// SerialNumber carries the board serial reported by the device.
type SerialNumber struct {
	Value     string
	Timestamp time.Time
}

// FileList is the parsed view of a FILE_LIST report.
type FileList struct {
	Entries   []FileSystemEntry
	Timestamp time.Time
}

// Download hands a completed file download to whoever requested it. Token is
// the destination token supplied to DownloadFile; Data is the decoded payload.
type Download struct {
	Token     string
	Filename  string
	Data      []byte
	Timestamp time.Time
}

// LogDirection tags raw serial log lines as inbound or outbound.
type LogDirection int

const (
	LogInbound LogDirection = iota + 1
	LogOutbound
)

// RawLog mirrors raw serial traffic for terminal-style views. Outbound
// transmissions are prefixed so both directions can share one display.
type RawLog struct {
	Direction LogDirection
	Text      string
	Timestamp time.Time
}
