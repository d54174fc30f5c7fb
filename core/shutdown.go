package core

import (
	"context"
)

// ShutdownFunc is a cleanup handler run during graceful shutdown. It should
// honor the context deadline and be safe to call more than once.
//
// Example:
//
//	var historyShutdown ShutdownFunc = func(ctx context.Context) error {
//	    return repo.Close()
//	}
type ShutdownFunc func(ctx context.Context) error
