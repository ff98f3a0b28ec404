package ports

import "github.com/google/uuid"

type ScanJob struct {
	ScanID uuid.UUID
	URL    string
}

// Dispatcher schedules a scan job for background execution without blocking.
type Dispatcher interface {
	Submit(job ScanJob) error
}
