package config

import "errors"

const (
	DefaultDreamHome = "~/.dream-server"
	DefaultHost      = "localhost"
	DefaultPort      = 8881
	DefaultTCPPort   = 8882

	// Worker requests can take minutes for large checkpoints.
	DefaultTCPTimeoutSeconds = 300

	DefaultQueueSize = 10
)

var (
	ErrHomeNotSet       = errors.New("dream home directory is not set")
	ErrHomeExpandFailed = errors.New("failed to expand dream home directory")
)
