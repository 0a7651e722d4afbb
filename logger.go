package lattice

// Logger is the structured logging interface used by the engine. All
// framework operations (discovery, phase transitions, service registration,
// shutdown) are logged through it with key-value pairs, so the embedding
// host controls how engine logs appear.
//
// The variadic arguments are key-value pairs:
//
//	logger.Info("module registered", "module", "core.auth")
//
// which keeps the interface compatible with slog, zerolog and friends.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}
