package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

var processStart = time.Now()

// ResourceUsage is the memory snapshot reported by /healthz.
type ResourceUsage struct {
	AllocMB              int64   `json:"allocMb"`
	SysMB                int64   `json:"sysMb"`
	Goroutines           int     `json:"goroutines"`
	GCCount              int64   `json:"gcCount"`
	SystemMemUsedMB      int64   `json:"systemMemUsedMb,omitempty"`
	SystemMemTotalMB     int64   `json:"systemMemTotalMb,omitempty"`
	SystemMemUsedPercent float64 `json:"systemMemUsedPercent,omitempty"`
}

type healthResponse struct {
	Status    string        `json:"status"`
	UptimeSec int64         `json:"uptimeSec"`
	Resources ResourceUsage `json:"resources"`
}

// GetResourceUsage returns current process and system memory statistics.
func GetResourceUsage() ResourceUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	usage := ResourceUsage{
		AllocMB:    int64(m.Alloc / 1024 / 1024),
		SysMB:      int64(m.Sys / 1024 / 1024),
		Goroutines: runtime.NumGoroutine(),
		GCCount:    int64(m.NumGC),
	}

	// System stats are best effort; containers may hide them.
	if vmStat, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemUsedMB = int64(vmStat.Used / 1024 / 1024)
		usage.SystemMemTotalMB = int64(vmStat.Total / 1024 / 1024)
		usage.SystemMemUsedPercent = vmStat.UsedPercent
	}
	return usage
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(processStart).Seconds()),
		Resources: GetResourceUsage(),
	})
}
