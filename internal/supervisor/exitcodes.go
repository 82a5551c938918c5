package supervisor

// ServerExitCode is the worker process's own exit status vocabulary
// (§4.4), distinct from OS signal numbers.
type ServerExitCode int

const (
	NoError       ServerExitCode = 0
	InitError     ServerExitCode = 1
	ShutdownError ServerExitCode = 2
	RunningError  ServerExitCode = 3
)
