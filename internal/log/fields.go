package log

// Common field names for structured logging
const (
	FieldComponent = "component"
	FieldError     = "error"
	FieldOperation = "operation"
	FieldDomain    = "domain"
	FieldYear      = "year"
	FieldMonth     = "month"
	FieldFile      = "file"
	FieldRemoteID  = "remote_id"
	FieldFolder    = "folder"
	FieldDuration  = "duration_ms"
	FieldCount     = "count"
	FieldAuthState = "auth_state"
)

// Components defines standard component names
const (
	ComponentApp      = "app"
	ComponentStorage  = "storage"
	ComponentCache    = "local_cache"
	ComponentSyncMeta = "sync_meta"
	ComponentSync     = "sync"
	ComponentTemplate = "template"
	ComponentNotify   = "notify"
	ComponentAMQP     = "amqp"
	ComponentWorker   = "worker"
	ComponentBackend  = "backend"
)

// Operations defines standard operation names
const (
	OpDelete  = "delete"
	OpStat    = "stat"
	OpSync    = "sync"
	OpPush    = "push"
	OpPull    = "pull"
	OpStartup = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithDocument adds the coordinates of a synced document.
func (f LogFields) WithDocument(domain string, year, month int) LogFields {
	f[FieldDomain] = domain
	f[FieldYear] = year
	f[FieldMonth] = month
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
