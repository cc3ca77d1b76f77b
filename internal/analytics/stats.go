// Package analytics reads download statistics and disk capacity for the
// stats endpoints.
package analytics

import (
	"github.com/shirou/gopsutil/v3/disk"

	"streamarr/internal/storage"
)

type Service struct {
	store        *storage.Store
	downloadRoot string
}

func New(store *storage.Store, downloadRoot string) *Service {
	return &Service{store: store, downloadRoot: downloadRoot}
}

// Daily returns per-day outcome aggregates for the last N days, newest first.
func (s *Service) Daily(days int) ([]storage.DailyStatistics, error) {
	if days <= 0 {
		days = 7
	}
	return s.store.GetStatistics(days)
}

// DiskStatus describes the volume holding the download root.
type DiskStatus struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Disk reports capacity of the filesystem the downloads land on.
func (s *Service) Disk() (DiskStatus, error) {
	usage, err := disk.Usage(s.downloadRoot)
	if err != nil {
		return DiskStatus{}, err
	}
	return DiskStatus{
		Path:        s.downloadRoot,
		TotalBytes:  usage.Total,
		UsedBytes:   usage.Used,
		FreeBytes:   usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}
