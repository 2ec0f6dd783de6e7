package s7

// Transport is the boundary to an S7 protocol driver. Implementations do not
// need to be safe for concurrent use; callers serialize access.
type Transport interface {
	// Connect opens the session. Calling Connect on an open session is a no-op.
	Connect() error
	// Disconnect closes the session. It is safe to call when not connected.
	Disconnect() error
	// Read reads every tag in one batched request and returns the raw bytes
	// for each tag in order.
	Read(tags []Tag) ([][]byte, error)
	// Write writes data[i] to tags[i] in one batched request.
	Write(tags []Tag, data [][]byte) error
}

// CPUInfoReader is implemented by transports that can query the CPU
// identity, used as a lightweight liveness check.
type CPUInfoReader interface {
	CPUInfo() (*CPUInfo, error)
}

// CPUInfo contains information about the S7 CPU.
type CPUInfo struct {
	ModuleTypeName string `json:"module_type_name"`
	SerialNumber   string `json:"serial_number"`
	ASName         string `json:"as_name"`
	Copyright      string `json:"copyright"`
	ModuleName     string `json:"module_name"`
}
