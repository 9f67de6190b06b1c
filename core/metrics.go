package core

import "sync/atomic"

type counters struct {
	vmsRegistered  atomic.Uint64
	imagesStaged   atomic.Uint64
	pagesRemapped  atomic.Uint64
	imagesVerified atomic.Uint64
	vcpuEntries    atomic.Uint64
	pagesAssigned  atomic.Uint64
	pagesGranted   atomic.Uint64
	pagesRevoked   atomic.Uint64
	shareGaps      atomic.Uint64
	ioMappings     atomic.Uint64
	deviceMappings atomic.Uint64
}

// Metrics is a point-in-time copy of the core's counters.
type Metrics struct {
	VMsRegistered  uint64 `json:"vms_registered"`
	ImagesStaged   uint64 `json:"images_staged"`
	PagesRemapped  uint64 `json:"pages_remapped"`
	ImagesVerified uint64 `json:"images_verified"`
	VCPUEntries    uint64 `json:"vcpu_entries"`
	PagesAssigned  uint64 `json:"pages_assigned"`
	PagesGranted   uint64 `json:"pages_granted"`
	PagesRevoked   uint64 `json:"pages_revoked"`
	ShareGaps      uint64 `json:"share_gaps"`
	IOMappings     uint64 `json:"io_mappings"`
	DeviceMappings uint64 `json:"device_mappings"`
}

// Metrics returns a snapshot of the counters.
func (c *Core) Metrics() Metrics {
	m := &c.metrics

	return Metrics{
		VMsRegistered:  m.vmsRegistered.Load(),
		ImagesStaged:   m.imagesStaged.Load(),
		PagesRemapped:  m.pagesRemapped.Load(),
		ImagesVerified: m.imagesVerified.Load(),
		VCPUEntries:    m.vcpuEntries.Load(),
		PagesAssigned:  m.pagesAssigned.Load(),
		PagesGranted:   m.pagesGranted.Load(),
		PagesRevoked:   m.pagesRevoked.Load(),
		ShareGaps:      m.shareGaps.Load(),
		IOMappings:     m.ioMappings.Load(),
		DeviceMappings: m.deviceMappings.Load(),
	}
}
