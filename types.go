package tracedsvc

// DataSourceDescriptor is the opaque metadata a producer advertises along
// with a data source name; the service only ever indexes it by name, it
// never interprets Opaque.
type DataSourceDescriptor struct {
	Name   string
	Opaque map[string]string
}

// DataSourceConfig is one entry of a consumer's TraceConfig: which data
// source to enable, and which buffer its instances should target.
type DataSourceConfig struct {
	Name              string
	TargetBufferIndex uint32
	Opaque            map[string]string
}

// BufferSpec describes one TraceBuffer a TraceConfig asks the service to
// allocate.
type BufferSpec struct {
	SizeBytes int
	PageSize  int
}

// TraceConfig is a consumer's EnableTracing argument: an ordered list of
// data sources to enable, the buffers they may target, and a session
// duration after which the service disables tracing automatically.
type TraceConfig struct {
	DataSources []DataSourceConfig
	Buffers     []BufferSpec
	DurationMs  int64
}

// SessionState is where a TracingSession sits in its lifecycle.
type SessionState int

const (
	SessionConfigured SessionState = iota
	SessionActive
	SessionDisabled
)

func (s SessionState) String() string {
	switch s {
	case SessionConfigured:
		return "CONFIGURED"
	case SessionActive:
		return "ACTIVE"
	case SessionDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}
