package protocol

import "esplink/internal/device"

// Outbound command payloads. Field declaration order fixes the JSON key
// order on the wire, which the firmware's line parser relies on for its
// streaming fast path; keep "type" first.

type handshakeCommand struct {
	Type    string `json:"type"`
	Client  string `json:"client"`
	Version int    `json:"version"`
}

type typeOnlyCommand struct {
	Type string `json:"type"`
}

type fileCommand struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

type uploadCommand struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
	Hexdata  string `json:"hexdata"`
}

type configCommand struct {
	Type   string     `json:"type"`
	Config wireConfig `json:"config"`
}

type wireConfig struct {
	BoardSerial string   `json:"boardSerial"`
	MachineName string   `json:"machineName"`
	LastUpdated string   `json:"lastUpdated"`
	Drivers     []string `json:"drivers"`
	Jobs        []string `json:"jobs"`
}

type syncTimeCommand struct {
	Type string `json:"type"`
	Time string `json:"time"`
}

// SyncTimeLayout is the wall-clock format the firmware expects in SYNC_TIME.
const SyncTimeLayout = "2006-01-02 15:04:05"

// Ping sends one liveness probe. The reply is observed through the normal
// report flow.
func (c *Client) Ping() {
	c.send(typeOnlyCommand{Type: TypePing})
}

// ListFiles asks the device to enumerate its filesystem. The resulting
// FILE_LIST report is published on the file-list topic.
func (c *Client) ListFiles() {
	c.send(typeOnlyCommand{Type: TypeListFiles})
}

// UploadFile transfers file content to the device, hex-encoded.
func (c *Client) UploadFile(filename string, data []byte) {
	c.send(uploadCommand{
		Type:     TypeUploadFile,
		Filename: filename,
		Hexdata:  BytesToHex(data),
	})
}

// DownloadFile requests file content from the device and registers token as
// the pending download. A later request replaces an earlier one that has not
// completed yet; the earlier token is then never delivered.
func (c *Client) DownloadFile(token, filename string) {
	c.post(func(s *session) {
		s.pendingToken = token
		s.pendingFile = filename
	})
	c.send(fileCommand{Type: TypeDownloadFile, Filename: filename})
}

// DeleteFile removes a file on the device.
func (c *Client) DeleteFile(filename string) {
	c.send(fileCommand{Type: TypeDeleteFile, Filename: filename})
}

// ClearDataFile truncates a log data file on the device without deleting it.
func (c *Client) ClearDataFile(filename string) {
	c.send(fileCommand{Type: TypeClearFile, Filename: filename})
}

// RequestConfig asks for the device's current configuration document.
func (c *Client) RequestConfig() {
	c.send(typeOnlyCommand{Type: TypeGetConfig})
}

// WriteConfig pushes a full configuration document to the device.
func (c *Client) WriteConfig(cfg device.Config) {
	c.send(configCommand{
		Type: TypeSetConfig,
		Config: wireConfig{
			BoardSerial: cfg.BoardSerial,
			MachineName: cfg.MachineName,
			LastUpdated: cfg.LastUpdated,
			Drivers:     sliceOrEmpty(cfg.Drivers),
			Jobs:        sliceOrEmpty(cfg.Jobs),
		},
	})
}

// RequestBoardSerial asks for the board's serial number.
func (c *Client) RequestBoardSerial() {
	c.send(typeOnlyCommand{Type: TypeGetSerial})
}

// RequestTime asks for the device's current clock readings.
func (c *Client) RequestTime() {
	c.send(typeOnlyCommand{Type: TypeGetTime})
}

// SyncTime pushes a wall-clock time to the device RTC.
func (c *Client) SyncTime(t string) {
	c.send(syncTimeCommand{Type: TypeSyncTime, Time: t})
}

// SendRaw writes one raw text line, bypassing command encoding. Useful for
// poking at firmware debug hooks.
func (c *Client) SendRaw(line string) {
	c.post(func(s *session) {
		if err := s.writeLine(append([]byte(line), '\n'), line); err != nil {
			s.c.log.Warn("raw write failed", "error", err)
		}
	})
}

// sliceOrEmpty keeps JSON arrays as [] rather than null; the firmware's
// parser rejects null where it expects an array.
func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
