package events

import (
	"context"
	"log"
)

// LogNotifier is the default delivery collaborator: it just logs the event
// code. Deployments swap in a real notifier at engine construction.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, evtType, cycleID, entityKind, entityID string) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify %s cycle=%s %s=%s", evtType, cycleID, entityKind, entityID)
}
