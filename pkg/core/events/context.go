package events

import "context"

type ctxKey int

const metaKey ctxKey = 0

type meta struct {
	sessionID     string
	correlationID string
}

// WithMeta attaches the session and correlation ids that publishers down
// the call chain (tool executors, retrieval clients) stamp onto the
// events they emit.
func WithMeta(ctx context.Context, sessionID, correlationID string) context.Context {
	return context.WithValue(ctx, metaKey, meta{sessionID: sessionID, correlationID: correlationID})
}

// MetaFromContext returns the session and correlation ids attached with
// WithMeta, or empty strings.
func MetaFromContext(ctx context.Context) (sessionID, correlationID string) {
	m, _ := ctx.Value(metaKey).(meta)
	return m.sessionID, m.correlationID
}
