package mapping

import "context"

type ctxKey int

const (
	destinationKey ctxKey = iota
	nameKey
)

// WithDestination stashes the resolved connection tuple on the context. The
// gateway middleware sets it once per request; tools read it back when their
// parameters omit explicit connection fields.
func WithDestination(ctx context.Context, dest *Destination) context.Context {
	return context.WithValue(ctx, destinationKey, dest)
}

// DestinationFromContext returns the resolved destination, if any.
func DestinationFromContext(ctx context.Context) (*Destination, bool) {
	dest, ok := ctx.Value(destinationKey).(*Destination)
	return dest, ok && dest != nil
}

// WithName stashes the raw ?db= name on the context. It is set even when
// resolution fails so telemetry can record what the client asked for.
func WithName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nameKey, name)
}

// NameFromContext returns the requested destination name, if any.
func NameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(nameKey).(string)
	return name, ok && name != ""
}
