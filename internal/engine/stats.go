package engine

// Stats is a snapshot of the engine published by the control loop once per cycle.
// Queue depths and the network figures are read fresh.
type Stats struct {
	Resident        int      `json:"resident"`
	PendingRequests int      `json:"pending_requests"`
	DescriptorCRC   uint32   `json:"descriptor_crc"`
	HasDescriptor   bool     `json:"has_descriptor"`
	Offline         bool     `json:"offline"`
	OfflineCached   bool     `json:"offline_cached"`
	Visible         bool     `json:"visible"`
	Bundles         []string `json:"bundles,omitempty"`

	QueuedKeys   int `json:"queued_keys"`
	InFlightKeys int `json:"in_flight_keys"`
	BackoffMs    int `json:"backoff_ms"`
	Tasks        int `json:"tasks"`
	ExtractQueue int `json:"extract_queue"`
	Writes       int `json:"writes"`
}

func (e *Engine) publishStats() {
	s := &Stats{
		Resident:        e.table.Len(),
		PendingRequests: e.resolver.PendingLen(),
		Offline:         e.resolver.Offline(),
		OfflineCached:   e.opts.OfflineCached,
		Visible:         e.visible,
		Bundles:         e.resolver.BundleNames(),
	}
	if d := e.live.Load(); d != nil {
		s.HasDescriptor = true
		s.DescriptorCRC = d.CRC()
	}
	e.m.Resident(s.Resident)
	e.stats.Store(s)
}

// Stats is safe from any goroutine.
func (e *Engine) Stats() Stats {
	s := *e.stats.Load()
	s.QueuedKeys = e.batcher.Pending()
	s.InFlightKeys = e.batcher.InFlight()
	s.BackoffMs = e.batcher.Backoff()
	s.Tasks = e.tasks.Len()
	s.ExtractQueue = e.pipeline.InputLen()
	s.Writes = e.writes.Len()
	return s
}
