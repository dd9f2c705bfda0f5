package device

// EntryKind distinguishes files from directories in device listings.
type EntryKind int

const (
	EntryFile EntryKind = iota + 1
	EntryDirectory
)

func (k EntryKind) String() string {
	if k == EntryDirectory {
		return "dir"
	}
	return "file"
}

// FileSystemEntry is one row of a device file listing.
type FileSystemEntry struct {
	ParentPath string
	Name       string
	Kind       EntryKind
	SizeBytes  int64
}

// Config is the editable device configuration. Drivers and Jobs keep the
// order the device reported; that order is the display and execution order.
type Config struct {
	BoardSerial string
	MachineName string
	LastUpdated string
	Drivers     []string
	Jobs        []string
}

// TimeInfo is a read-only snapshot of the device clocks. Values are the
// device-formatted strings; RTCAvailable is false when no RTC is fitted.
type TimeInfo struct {
	RTCTime      string
	ESPTime      string
	LocalTime    string
	RTCAvailable bool
}
