package client

// ProgressMessage is a single JSON line of transfer progress as streamed by
// the daemon during pulls, pushes, and loads.
type ProgressMessage struct {
	Type    string `json:"type"` // "progress", "success", or "error"
	Message string `json:"message"`
	Total   uint64 `json:"total"`
	Pulled  uint64 `json:"pulled"`
	Layer   Layer  `json:"layer"`
}

// Layer identifies the artifact layer a progress update applies to.
type Layer struct {
	ID      string `json:"id"`
	Size    uint64 `json:"size"`
	Current uint64 `json:"current"`
}
