package app

const (
	Name           = "esplink"
	ConfigFilename = "config.json"
	LogFilename    = "esplink.log"
)
