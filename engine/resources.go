package engine

import (
	"fmt"

	"github.com/INLOpen/nexusdb/core"
	"github.com/shirou/gopsutil/v3/disk"
)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// checkDiskSpace fails with core.ErrResourceExhausted when the data directory
// has less than MinFreeDiskBytes available.
func (e *Engine) checkDiskSpace(op string) error {
	if e.opts.MinFreeDiskBytes == 0 {
		return nil
	}
	probe := e.opts.DiskFreeFunc
	if probe == nil {
		probe = diskFree
	}
	free, err := probe(e.dataDir)
	if err != nil {
		// An unreadable probe should not stop the engine.
		e.logger.Warn("Failed to read free disk space", "path", e.dataDir, "error", err)
		return nil
	}
	if free < e.opts.MinFreeDiskBytes {
		e.metrics.ResourceExhaustedTotal.Add(1)
		return fmt.Errorf("%w: %s needs %d free bytes in %s, %d available",
			core.ErrResourceExhausted, op, e.opts.MinFreeDiskBytes, e.dataDir, free)
	}
	return nil
}
