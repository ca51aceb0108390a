package models

// ResourceStatus represents the processing status of a resource in the database
type ResourceStatus string

const (
	StatusUnset      ResourceStatus = ""           // Zero value = unset/unknown
	StatusQueued     ResourceStatus = "queued"     // Accepted by the frontier, not yet downloaded
	StatusDownloaded ResourceStatus = "downloaded" // Body fetched, post-processing pending
	StatusSaved      ResourceStatus = "saved"      // Written to the local root
	StatusFailed     ResourceStatus = "failed"     // Download, processing or save failed
	StatusDiscarded  ResourceStatus = "discarded"  // Dropped by a pipeline stage
	StatusNotFound   ResourceStatus = "not_found"  // Resource not in database
	StatusDBError    ResourceStatus = "db_error"   // Database error occurred
)

// String implements fmt.Stringer for logging
func (s ResourceStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s ResourceStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusDownloaded, StatusSaved, StatusFailed, StatusDiscarded:
		return true
	}
	return false
}

// IsIncomplete reports whether a resume should fetch the resource again.
func (s ResourceStatus) IsIncomplete() bool {
	switch s {
	case StatusUnset, StatusQueued, StatusDownloaded, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the resource reached a final state in this run.
func (s ResourceStatus) IsTerminal() bool {
	switch s {
	case StatusSaved, StatusFailed, StatusDiscarded:
		return true
	}
	return false
}
