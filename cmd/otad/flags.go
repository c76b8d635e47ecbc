package main

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by all subcommands.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
}

// RunFlags holds flags for the run (daemon) command.
type RunFlags struct {
	Listen        string // REST API listen address override
	MetricsListen string // Prometheus listen address override
}

// UpdateFlags holds flags for the one-shot update command.
type UpdateFlags struct {
	// Bootstrap also downloads the artifact when nothing is deployed yet.
	Bootstrap bool
}

// RollbackFlags holds flags for the rollback command.
type RollbackFlags struct {
	ID string // snapshot id; empty selects the latest
}

// HealthcheckFlags holds flags for the standalone health-check command.
type HealthcheckFlags struct {
	Timeout int // seconds
}
