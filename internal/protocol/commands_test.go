package protocol

import (
	"strings"
	"testing"
	"time"

	"esplink/internal/bus"
	"esplink/internal/device"
)

func nextDownload(t *testing.T, sub bus.Subscription) device.Download {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case raw := <-sub:
			if dl, ok := raw.(device.Download); ok {
				return dl
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a download event")
		}
	}
}

func expectNoDownload(t *testing.T, sub bus.Subscription, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case raw := <-sub:
			if dl, ok := raw.(device.Download); ok {
				t.Fatalf("unexpected download event: %+v", dl)
			}
		case <-deadline:
			return
		}
	}
}

func waitForStatusText(t *testing.T, sub bus.Subscription, substr string) {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case raw := <-sub:
			if status, ok := raw.(device.StatusMessage); ok && strings.Contains(status.Text, substr) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a status containing %q", substr)
		}
	}
}

func TestCommandEncodings(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	tests := []struct {
		name string
		call func()
		want string
	}{
		{"ping", f.c.Ping, `{"type":"PING"}`},
		{"list files", f.c.ListFiles, `{"type":"LIST_FILES"}`},
		{
			"upload file",
			func() { f.c.UploadFile("a.txt", []byte("AB")) },
			`{"type":"UPLOAD_FILE","filename":"a.txt","hexdata":"4142"}`,
		},
		{
			"download file",
			func() { f.c.DownloadFile("tok-1", "log.csv") },
			`{"type":"DOWNLOAD_FILE","filename":"log.csv"}`,
		},
		{
			"delete file",
			func() { f.c.DeleteFile("old.csv") },
			`{"type":"DELETE_FILE","filename":"old.csv"}`,
		},
		{
			"clear data file",
			func() { f.c.ClearDataFile("data.csv") },
			`{"type":"CLEAR_FILE","filename":"data.csv"}`,
		},
		{"request config", f.c.RequestConfig, `{"type":"GET_CONFIG"}`},
		{"request board serial", f.c.RequestBoardSerial, `{"type":"GET_SERIAL"}`},
		{"request time", f.c.RequestTime, `{"type":"GET_TIME"}`},
		{
			"sync time",
			func() { f.c.SyncTime("2025-03-14 09:26:53") },
			`{"type":"SYNC_TIME","time":"2025-03-14 09:26:53"}`,
		},
	}

	for _, tt := range tests {
		tt.call()
		if got := f.ft.nextWrite(t); got != tt.want {
			t.Fatalf("%s: sent %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestWriteConfigEncodesEmptyListsAsArrays(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.c.WriteConfig(device.Config{
		BoardSerial: "SN-0042",
		MachineName: "mill-3",
		LastUpdated: "2025-03-14 09:00:00",
		Drivers:     []string{"spindle", "coolant"},
	})

	want := `{"type":"SET_CONFIG","config":{"boardSerial":"SN-0042","machineName":"mill-3",` +
		`"lastUpdated":"2025-03-14 09:00:00","drivers":["spindle","coolant"],"jobs":[]}}`
	if got := f.ft.nextWrite(t); got != want {
		t.Fatalf("sent %q, want %q", got, want)
	}
}

func TestSendRawWritesVerbatimLine(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.c.SendRaw("DEBUG 1")
	if got := f.ft.nextWrite(t); got != "DEBUG 1" {
		t.Fatalf("sent %q, want %q", got, "DEBUG 1")
	}
}

func TestCommandsWhileDisconnectedAreDropped(t *testing.T) {
	f := newFixture(t, testOptions())

	f.c.Ping()
	f.c.UploadFile("a.txt", []byte("x"))
	f.c.DownloadFile("tok", "a.txt")
	f.c.SendRaw("hello")

	if n := f.ft.writeCount(); n != 0 {
		t.Fatalf("expected no writes while disconnected, got %d", n)
	}
}

func TestOutboundFramesAreRawLogged(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	rawSub := f.b.Subscribe(device.TopicRawLog)

	f.c.Ping()
	_ = f.ft.nextWrite(t)

	deadline := time.After(eventWait)
	for {
		select {
		case raw := <-rawSub:
			entry, ok := raw.(device.RawLog)
			if !ok {
				continue
			}
			if entry.Direction != device.LogOutbound {
				continue
			}
			if entry.Text != `>> {"type":"PING"}` {
				t.Fatalf("unexpected outbound log line: %q", entry.Text)
			}
			if f.c.LastRawLog() != entry.Text {
				t.Fatalf("last raw log mirror %q does not match %q", f.c.LastRawLog(), entry.Text)
			}

			return
		case <-deadline:
			t.Fatalf("timed out waiting for the outbound raw log")
		}
	}
}

func TestDownloadDeliveryAndStatus(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	dlSub := f.b.Subscribe(device.TopicDownload)
	statusSub := f.b.Subscribe(device.TopicStatus)

	f.c.DownloadFile("tok-1", "log.csv")
	_ = f.ft.nextWrite(t)

	// The firmware's empty probe frame keeps the request pending.
	f.ft.feed(t, `{"type":"FILE_DATA","filename":"log.csv","hexdata":""}`+"\n")
	expectNoDownload(t, dlSub, 80*time.Millisecond)

	f.ft.feed(t, `{"type":"FILE_DATA","filename":"log.csv","hexdata":"4865"}`+"\n")

	dl := nextDownload(t, dlSub)
	if dl.Token != "tok-1" || dl.Filename != "log.csv" || string(dl.Data) != "He" {
		t.Fatalf("unexpected download: %+v", dl)
	}
	if op := nextOperation(t, f.opSub); op.Command != TypeDownloadFile {
		t.Fatalf("expected a download operation event, got %+v", op)
	}
	waitForStatusText(t, statusSub, "Downloaded log.csv (2 bytes)")

	// The token was consumed; a stray second payload goes nowhere.
	f.ft.feed(t, `{"type":"FILE_DATA","filename":"log.csv","hexdata":"4946"}`+"\n")
	expectNoDownload(t, dlSub, 80*time.Millisecond)
}

func TestDownloadLastRequestWins(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	dlSub := f.b.Subscribe(device.TopicDownload)

	f.c.DownloadFile("tok-1", "a.csv")
	_ = f.ft.nextWrite(t)
	f.c.DownloadFile("tok-2", "b.csv")
	_ = f.ft.nextWrite(t)

	f.ft.feed(t, `{"type":"FILE_DATA","filename":"b.csv","hexdata":"01"}`+"\n")

	dl := nextDownload(t, dlSub)
	if dl.Token != "tok-2" || dl.Filename != "b.csv" {
		t.Fatalf("expected the later request to win, got %+v", dl)
	}
	expectNoDownload(t, dlSub, 80*time.Millisecond)
}

func TestFileDataWithoutPendingRequestIsIgnored(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	dlSub := f.b.Subscribe(device.TopicDownload)

	f.ft.feed(t, `{"type":"FILE_DATA","filename":"a.csv","hexdata":"4142"}`+"\n")

	expectNoDownload(t, dlSub, 100*time.Millisecond)
	expectNoDeviceError(t, f.errSub, 10*time.Millisecond)
}

func TestCorruptDownloadPayloadClearsPending(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	dlSub := f.b.Subscribe(device.TopicDownload)

	f.c.DownloadFile("tok-1", "log.csv")
	_ = f.ft.nextWrite(t)

	f.ft.feed(t, `{"type":"FILE_DATA","filename":"log.csv","hexdata":"zz"}`+"\n")

	devErr := nextDeviceError(t, f.errSub)
	if devErr.Command != TypeDownloadFile || !strings.Contains(devErr.Message, "corrupt download payload") {
		t.Fatalf("expected a corrupt-payload error, got %+v", devErr)
	}
	if f.c.State() != device.StateConnected {
		t.Fatalf("a corrupt payload must not end the session, state is %q", f.c.State())
	}

	// The pending token was dropped with the error.
	f.ft.feed(t, `{"type":"FILE_DATA","filename":"log.csv","hexdata":"4142"}`+"\n")
	expectNoDownload(t, dlSub, 80*time.Millisecond)
}

func TestNakSurfacesCommandScopedError(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.ft.feed(t, `{"type":"NAK","command":"DELETE_FILE","message":"file is locked"}`+"\n")
	devErr := nextDeviceError(t, f.errSub)
	if devErr.Command != TypeDeleteFile || devErr.Message != "file is locked" {
		t.Fatalf("unexpected NAK error: %+v", devErr)
	}

	f.ft.feed(t, `{"type":"NAK","command":"DELETE_FILE"}`+"\n")
	if devErr := nextDeviceError(t, f.errSub); devErr.Message != "command rejected" {
		t.Fatalf("expected the NAK fallback message, got %+v", devErr)
	}

	if f.c.State() != device.StateConnected {
		t.Fatalf("a NAK must not end the session, state is %q", f.c.State())
	}
}

func TestErrorReportKeepsSessionAlive(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.ft.feed(t, `{"type":"ERROR","message":"sd card missing"}`+"\n")
	devErr := nextDeviceError(t, f.errSub)
	if devErr.Command != "" || devErr.Message != "sd card missing" {
		t.Fatalf("unexpected error event: %+v", devErr)
	}

	f.ft.feed(t, `{"type":"ERROR"}`+"\n")
	if devErr := nextDeviceError(t, f.errSub); devErr.Message != "unspecified device error" {
		t.Fatalf("expected the ERROR fallback message, got %+v", devErr)
	}

	if f.c.State() != device.StateConnected {
		t.Fatalf("an ERROR report must not end the session, state is %q", f.c.State())
	}
}

func TestAckPublishesOperation(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)

	f.ft.feed(t, `{"type":"ACK","command":"UPLOAD_FILE"}`+"\n")
	if op := nextOperation(t, f.opSub); op.Command != TypeUploadFile {
		t.Fatalf("unexpected operation event: %+v", op)
	}
}

func TestTypedReportsReachTheirTopics(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	serialSub := f.b.Subscribe(device.TopicSerial)
	fileSub := f.b.Subscribe(device.TopicFileList)
	configSub := f.b.Subscribe(device.TopicConfig)
	timeSub := f.b.Subscribe(device.TopicTime)

	f.ft.feed(t, `{"type":"SERIAL_NUMBER","serial":"SN-0042"}`+"\n")
	select {
	case raw := <-serialSub:
		serial, ok := raw.(device.SerialNumber)
		if !ok || serial.Value != "SN-0042" {
			t.Fatalf("unexpected serial payload: %#v", raw)
		}
	case <-time.After(eventWait):
		t.Fatalf("timed out waiting for the serial report")
	}

	f.ft.feed(t, `{"type":"FILE_LIST","files":["a.csv",{"name":"cfg","type":"dir"}]}`+"\n")
	select {
	case raw := <-fileSub:
		list, ok := raw.(device.FileList)
		if !ok || len(list.Entries) != 2 {
			t.Fatalf("unexpected file list payload: %#v", raw)
		}
		if list.Entries[0].Name != "a.csv" || list.Entries[0].Kind != device.EntryFile {
			t.Fatalf("unexpected first entry: %+v", list.Entries[0])
		}
		if list.Entries[1].Name != "cfg" || list.Entries[1].Kind != device.EntryDirectory {
			t.Fatalf("unexpected second entry: %+v", list.Entries[1])
		}
	case <-time.After(eventWait):
		t.Fatalf("timed out waiting for the file list report")
	}

	f.ft.feed(t, `{"type":"CONFIG","config":{"machineName":"mill-3","drivers":["spindle"]}}`+"\n")
	select {
	case raw := <-configSub:
		cfg, ok := raw.(device.Config)
		if !ok || cfg.MachineName != "mill-3" || len(cfg.Drivers) != 1 {
			t.Fatalf("unexpected config payload: %#v", raw)
		}
	case <-time.After(eventWait):
		t.Fatalf("timed out waiting for the config report")
	}

	f.ft.feed(t, `{"type":"TIME","rtcTime":"12:00:00","espTime":"12:00:01","localTime":"12:00:02","rtcAvailable":true}`+"\n")
	select {
	case raw := <-timeSub:
		info, ok := raw.(device.TimeInfo)
		if !ok || info.RTCTime != "12:00:00" || !info.RTCAvailable {
			t.Fatalf("unexpected time payload: %#v", raw)
		}
	case <-time.After(eventWait):
		t.Fatalf("timed out waiting for the time report")
	}
}

func TestUnknownTypeRidesWireTopicOnly(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	wireSub := f.b.Subscribe(device.TopicWire)

	f.ft.feed(t, `{"type":"BLINK","led":1}`+"\n")

	deadline := time.After(eventWait)
	for {
		select {
		case raw := <-wireSub:
			msg, ok := raw.(WireMessage)
			if !ok || msg.Type != "BLINK" {
				continue
			}
			if led, ok := msg.Fields["led"].(float64); !ok || led != 1 {
				t.Fatalf("unexpected fields: %#v", msg.Fields)
			}
			expectNoDeviceError(t, f.errSub, 80*time.Millisecond)
			expectNoStateChange(t, f.stateSub, 10*time.Millisecond)

			return
		case <-deadline:
			t.Fatalf("timed out waiting for the wire message")
		}
	}
}

func TestUnparsableFrameIsDroppedQuietly(t *testing.T) {
	f := newFixture(t, testOptions())
	f.connect(t)
	wireSub := f.b.Subscribe(device.TopicWire)

	f.ft.feed(t, "boot garbage, not json\n")
	f.ft.feed(t, `{"type":"PONG"}`+"\n")

	// The garbage never reaches the wire topic; the next frame does.
	deadline := time.After(eventWait)
	for {
		select {
		case raw := <-wireSub:
			msg, ok := raw.(WireMessage)
			if !ok {
				continue
			}
			if msg.Type != TypePong {
				t.Fatalf("expected only the PONG to be dispatched, got %+v", msg)
			}
			expectNoDeviceError(t, f.errSub, 80*time.Millisecond)
			if f.c.State() != device.StateConnected {
				t.Fatalf("garbage input must not end the session, state is %q", f.c.State())
			}

			return
		case <-deadline:
			t.Fatalf("timed out waiting for the follow-up frame")
		}
	}
}
