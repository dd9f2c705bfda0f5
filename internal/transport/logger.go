package transport

import "log/slog"

func transportLogger(kind, endpoint string) *slog.Logger {
	return slog.With("component", "transport", "transport", kind, "endpoint", endpoint)
}
