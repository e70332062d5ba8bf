package logging

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

var (
	correlationMu sync.RWMutex
	correlationID string
)

// NewCorrelationID creates a fresh correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// SetCorrelationID sets the process-wide current correlation ID. Callers
// handling concurrent requests must set and clear it per request.
func SetCorrelationID(id string) {
	correlationMu.Lock()
	correlationID = id
	correlationMu.Unlock()
}

// CurrentCorrelationID returns the process-wide correlation ID, or "".
func CurrentCorrelationID() string {
	correlationMu.RLock()
	defer correlationMu.RUnlock()
	return correlationID
}

// ClearCorrelationID clears the process-wide correlation ID.
func ClearCorrelationID() {
	SetCorrelationID("")
}

// WithCorrelationID injects a correlation ID into the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom retrieves the correlation ID from the context,
// falling back to the process-wide current value.
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return CurrentCorrelationID()
}
