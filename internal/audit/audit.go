package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/electionguard/tally-orchestrator/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeTallyStarted marks a tally's chunk plan being created and queued.
	EventTypeTallyStarted EventType = "tally_started"
	// EventTypeKeysSubmitted marks a guardian's private key and polynomial
	// blobs being accepted and decrypted.
	EventTypeKeysSubmitted EventType = "keys_submitted"
	// EventTypeChunkCompleted marks a chunk finishing a task type successfully.
	EventTypeChunkCompleted EventType = "chunk_completed"
	// EventTypeChunkFailed marks a chunk exhausting its retry budget.
	EventTypeChunkFailed EventType = "chunk_failed"
	// EventTypePromotion marks the phase controller's last-chunk
	// promotion firing exactly once.
	EventTypePromotion EventType = "promotion"
	// EventTypeLockAcquired marks a distributed lock being held.
	EventTypeLockAcquired EventType = "lock_acquired"
	// EventTypeLockReleased marks a distributed lock being released.
	EventTypeLockReleased EventType = "lock_released"
	// EventTypeCombineCompleted marks the final combine-decryptions step
	// producing election results.
	EventTypeCombineCompleted EventType = "combine_completed"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	ElectionID string                 `json:"election_id,omitempty"`
	TaskType   string                 `json:"task_type,omitempty"`
	ChunkID    string                 `json:"chunk_id,omitempty"`
	GuardianID string                 `json:"guardian_id,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogTallyStarted logs a tally's chunk plan being created.
	LogTallyStarted(electionID string, chunkCount int, success bool, err error)

	// LogKeysSubmitted logs a guardian's key submission and decryption.
	LogKeysSubmitted(electionID, guardianID string, success bool, err error, duration time.Duration)

	// LogChunkEvent logs a chunk finishing (or failing) a task type.
	LogChunkEvent(eventType EventType, electionID, taskType, chunkID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogPromotion logs the phase controller firing a last-chunk promotion.
	LogPromotion(electionID, taskType string, metadata map[string]interface{})

	// LogLockEvent logs a distributed lock acquisition or release.
	LogLockEvent(eventType EventType, resource, holder string, success bool, err error)

	// LogCombineCompleted logs the final combine-decryptions step.
	LogCombineCompleted(electionID string, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	return NewLoggerWithRedaction(maxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)

	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata, e.g. key material
// accidentally attached to a guardian key-submission event.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}

	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}

	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogTallyStarted logs a tally's chunk plan being created and queued.
func (l *auditLogger) LogTallyStarted(electionID string, chunkCount int, success bool, err error) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeTallyStarted,
		Operation:  "start_tally",
		ElectionID: electionID,
		Success:    success,
		Metadata:   map[string]interface{}{"chunk_count": chunkCount},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeysSubmitted logs a guardian's key submission and decryption.
func (l *auditLogger) LogKeysSubmitted(electionID, guardianID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeKeysSubmitted,
		Operation:  "submit_guardian_keys",
		ElectionID: electionID,
		GuardianID: guardianID,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogChunkEvent logs a chunk finishing (or failing) a task type.
func (l *auditLogger) LogChunkEvent(eventType EventType, electionID, taskType, chunkID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  eventType,
		Operation:  "chunk_" + string(eventType),
		ElectionID: electionID,
		TaskType:   taskType,
		ChunkID:    chunkID,
		Success:    success,
		Duration:   duration,
		Metadata:   l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogPromotion logs the phase controller firing a last-chunk promotion.
func (l *auditLogger) LogPromotion(electionID, taskType string, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypePromotion,
		Operation:  "promote_task_type",
		ElectionID: electionID,
		TaskType:   taskType,
		Success:    true,
		Metadata:   l.redactMetadata(metadata),
	}
	l.Log(event)
}

// LogLockEvent logs a distributed lock acquisition or release.
func (l *auditLogger) LogLockEvent(eventType EventType, resource, holder string, success bool, err error) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		Resource:  resource,
		Success:   success,
		Metadata:  map[string]interface{}{"holder": holder},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogCombineCompleted logs the final combine-decryptions step.
func (l *auditLogger) LogCombineCompleted(electionID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeCombineCompleted,
		Operation:  "combine_decryptions",
		ElectionID: electionID,
		Success:    success,
		Duration:   duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	fmt.Printf("%s\n", string(data))
	return nil
}
