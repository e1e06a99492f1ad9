package orchestrator

import "time"

// Journal batching
const (
	JournalBatchSize  = 20
	JournalFlushDelay = 2 * time.Second
)
