package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Wire message types. The same HANDSHAKE type is used for the outbound
// identification command and the device's acceptance reply.
const (
	TypeHandshake    = "HANDSHAKE"
	TypePing         = "PING"
	TypePong         = "PONG"
	TypeListFiles    = "LIST_FILES"
	TypeFileList     = "FILE_LIST"
	TypeUploadFile   = "UPLOAD_FILE"
	TypeDownloadFile = "DOWNLOAD_FILE"
	TypeFileData     = "FILE_DATA"
	TypeDeleteFile   = "DELETE_FILE"
	TypeClearFile    = "CLEAR_FILE"
	TypeGetConfig    = "GET_CONFIG"
	TypeSetConfig    = "SET_CONFIG"
	TypeConfig       = "CONFIG"
	TypeGetSerial    = "GET_SERIAL"
	TypeSerialNumber = "SERIAL_NUMBER"
	TypeGetTime      = "GET_TIME"
	TypeTime         = "TIME"
	TypeSyncTime     = "SYNC_TIME"
	TypeAck          = "ACK"
	TypeNak          = "NAK"
	TypeError        = "ERROR"
	TypeStatus       = "STATUS"
)

// WireMessage is one decoded JSON object received from the device. Type is
// empty when the object carries no usable "type" field; such messages are
// still delivered on the generic wire topic. Treat as immutable after decode.
type WireMessage struct {
	Type   string
	Fields map[string]any
}

// Decode parses a frame as a single JSON object. A missing or mistyped
// "type" field is tolerated; anything that is not a JSON object is a
// recoverable per-frame error.
func Decode(frame string) (WireMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(frame), &fields); err != nil {
		return WireMessage{}, fmt.Errorf("decode wire message: %w", err)
	}
	typ, _ := fields["type"].(string)

	return WireMessage{Type: typ, Fields: fields}, nil
}

// Encode serializes a command to compact JSON and appends the line
// terminator.
func Encode(cmd any) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}

	return append(payload, '\n'), nil
}

// BytesToHex renders binary payloads as lowercase hex, two digits per byte.
func BytesToHex(data []byte) string {
	return hex.EncodeToString(data)
}

// HexToBytes is the exact inverse of BytesToHex. Odd-length or non-hex input
// fails deterministically.
func HexToBytes(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex payload: %w", err)
	}

	return data, nil
}
