package protocol

import "esplink/internal/device"

// parseFileEntries converts a FILE_LIST payload into filesystem entries.
// The firmware emits two shapes in the same array: bare string names for
// plain files, and objects with name/type/size for anything richer. Unknown
// elements are skipped rather than failing the whole report.
func parseFileEntries(fields map[string]any) []device.FileSystemEntry {
	parent := stringField(fields, "path")

	raw, _ := fields["files"].([]any)
	entries := make([]device.FileSystemEntry, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			entries = append(entries, device.FileSystemEntry{
				ParentPath: parent,
				Name:       v,
				Kind:       device.EntryFile,
			})
		case map[string]any:
			name := stringField(v, "name")
			if name == "" {
				continue
			}
			kind := device.EntryFile
			if stringField(v, "type") == "dir" {
				kind = device.EntryDirectory
			}
			entries = append(entries, device.FileSystemEntry{
				ParentPath: parent,
				Name:       name,
				Kind:       kind,
				SizeBytes:  int64Field(v, "size"),
			})
		}
	}

	return entries
}

// parseConfig reads the nested config object out of a CONFIG report. Absent
// fields default to empty values so callers never see partial nils.
func parseConfig(fields map[string]any) device.Config {
	nested, _ := fields["config"].(map[string]any)

	return device.Config{
		BoardSerial: stringField(nested, "boardSerial"),
		MachineName: stringField(nested, "machineName"),
		LastUpdated: stringField(nested, "lastUpdated"),
		Drivers:     stringSlice(nested, "drivers"),
		Jobs:        stringSlice(nested, "jobs"),
	}
}

func parseTimeInfo(fields map[string]any) device.TimeInfo {
	return device.TimeInfo{
		RTCTime:      stringField(fields, "rtcTime"),
		ESPTime:      stringField(fields, "espTime"),
		LocalTime:    stringField(fields, "localTime"),
		RTCAvailable: boolField(fields, "rtcAvailable"),
	}
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	s, _ := fields[key].(string)

	return s
}

func boolField(fields map[string]any, key string) bool {
	if fields == nil {
		return false
	}
	b, _ := fields[key].(bool)

	return b
}

// int64Field accepts the float64 that encoding/json produces for numbers.
func int64Field(fields map[string]any, key string) int64 {
	if fields == nil {
		return 0
	}
	f, _ := fields[key].(float64)

	return int64(f)
}

// stringSlice keeps element order and drops non-string members. The result
// is never nil so stores can distinguish "empty list" from "not reported".
func stringSlice(fields map[string]any, key string) []string {
	out := []string{}
	if fields == nil {
		return out
	}
	raw, _ := fields[key].([]any)
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
