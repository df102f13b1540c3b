// Package logging provides structured logging for atelier.
//
// It wraps log/slog's JSON handler and adds child loggers that carry the
// context the client cares about: the space a connection belongs to, the
// plan being executed, and the request kind/ID being correlated.
//
//	logger, err := logging.New(logging.Options{
//	    Dir:      stateDir,
//	    Level:    "INFO",
//	    Rotation: logging.DefaultRotationConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	reqLog := logger.WithSpace("space-1").WithRequest("generate:request", id)
//	reqLog.Info("job started", "job_id", jobID)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"job started","space_id":"space-1","kind":"generate:request","request_id":"...","job_id":"..."}
//
// Logs go to {Dir}/debug.log, or to stderr when Dir is empty. Rotation is
// size based; rotated files are named debug.log.1 (newest) through
// debug.log.N and optionally gzip-compressed.
//
// For tests use [NopLogger].
package logging
