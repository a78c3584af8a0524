package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/SimonGino/video-processor/internal/scheduler"
	"github.com/SimonGino/video-processor/pkg/httpclient"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version    string
	startTime  time.Time
	cbManager  *httpclient.CircuitBreakerManager
	db         *gorm.DB
	runner     *scheduler.Runner
	storageDir string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		cbManager: httpclient.DefaultManager,
	}
}

// WithCircuitBreakerManager sets a custom circuit breaker manager.
func (h *HealthHandler) WithCircuitBreakerManager(manager *httpclient.CircuitBreakerManager) *HealthHandler {
	h.cbManager = manager
	return h
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithRunner sets the job runner reported in the health components.
func (h *HealthHandler) WithRunner(runner *scheduler.Runner) *HealthHandler {
	h.runner = runner
	return h
}

// WithStorageDir enables disk usage reporting for the recording data directory.
func (h *HealthHandler) WithStorageDir(dir string) *HealthHandler {
	h.storageDir = dir
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	cpuInfo := h.getCPUInfo()
	memInfo := h.getMemoryInfo()

	var circuitBreakers []CircuitBreakerStatus
	if h.cbManager != nil {
		stats := h.cbManager.GetAllStats()
		circuitBreakers = make([]CircuitBreakerStatus, 0, len(stats))
		for name, s := range stats {
			circuitBreakers = append(circuitBreakers, CircuitBreakerStatus{
				Name:     name,
				State:    s.State.String(),
				Failures: s.Failures,
			})
		}
	}

	dbHealth := h.getDatabaseHealth(ctx)

	runnerHealth := RunnerHealth{Status: "unknown"}
	if h.runner != nil {
		status := h.runner.GetStatus()
		runnerHealth.Status = "stopped"
		if status.Running {
			runnerHealth.Status = "ok"
		}
		runnerHealth.Workers = status.WorkerCount
		runnerHealth.RunningJobs = status.RunningJobs
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			SystemLoad:    cpuInfo.LoadPercentage1Min / 100,
			Runtime: RuntimeInfo{
				GoVersion:  runtime.Version(),
				Goroutines: runtime.NumGoroutine(),
			},
			CPUInfo: cpuInfo,
			Memory:  memInfo,
			Disk:    h.getDiskInfo(),
			Components: HealthComponents{
				Database:        dbHealth,
				JobRunner:       runnerHealth,
				CircuitBreakers: circuitBreakers,
			},
			Checks: map[string]string{
				"database":   dbHealth.Status,
				"job_runner": runnerHealth.Status,
			},
		},
	}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()

	info := CPUInfo{
		Cores: cores,
	}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15

		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.FreeMemoryMB = float64(vmStat.Free) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	swapStat, err := mem.SwapMemory()
	if err == nil && swapStat != nil {
		info.SwapTotalMB = float64(swapStat.Total) / 1024 / 1024
		info.SwapUsedMB = float64(swapStat.Used) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)

	return info
}

// getProcessMemoryInfo returns process-specific memory information.
// Child processes are the ffmpeg recorders and encoders spawned by the
// recording and pipeline stages.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	pid := int32(os.Getpid())
	proc, err := process.NewProcess(pid)
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB

		if totalSystemMB > 0 {
			info.PercentageOfSystem = (info.MainProcessMB / totalSystemMB) * 100
		}
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfo()
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	return info
}

// getDiskInfo returns disk usage for the recording data directory.
// Recordings fill the volume the storage dir lives on, so this is the
// gauge operators watch.
func (h *HealthHandler) getDiskInfo() *DiskInfo {
	if h.storageDir == "" {
		return nil
	}

	usage, err := disk.Usage(h.storageDir)
	if err != nil || usage == nil {
		return nil
	}

	return &DiskInfo{
		Path:        usage.Path,
		TotalGB:     float64(usage.Total) / 1024 / 1024 / 1024,
		FreeGB:      float64(usage.Free) / 1024 / 1024 / 1024,
		UsedGB:      float64(usage.Used) / 1024 / 1024 / 1024,
		UsedPercent: usage.UsedPercent,
	}
}

// getDatabaseHealth returns database health information.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{
		Status:             "ok",
		ResponseTimeStatus: "healthy",
	}

	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.ConnectionPoolSize = stats.MaxOpenConnections
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	if stats.MaxOpenConnections > 0 {
		health.PoolUtilizationPercent = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		health.Status = "error"
		health.ResponseTimeStatus = "error"
	} else if health.ResponseTimeMS > 100 {
		health.ResponseTimeStatus = "slow"
	}

	return health
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	SystemLoad    float64           `json:"system_load" doc:"1-minute load average divided by core count"`
	Runtime       RuntimeInfo       `json:"runtime"`
	CPUInfo       CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Disk          *DiskInfo         `json:"disk,omitempty"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks"`
}

// RuntimeInfo describes the Go runtime of the running process.
type RuntimeInfo struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

// CPUInfo describes system CPU load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo describes system and process memory usage in megabytes.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_mb"`
	UsedMemoryMB      float64           `json:"used_mb"`
	FreeMemoryMB      float64           `json:"free_mb"`
	AvailableMemoryMB float64           `json:"available_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process"`
}

// DiskInfo describes disk usage of the volume holding the data directory.
type DiskInfo struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedGB      float64 `json:"used_gb"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessMemoryInfo describes the memory footprint of the process tree.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_mb"`
	ChildProcessCount  int     `json:"child_count"`
	ChildProcessesMB   float64 `json:"children_mb"`
	TotalProcessTreeMB float64 `json:"tree_mb"`
	PercentageOfSystem float64 `json:"percent_of_system"`
}

// DatabaseHealth describes database connectivity and pool state.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	ConnectionPoolSize     int     `json:"pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// RunnerHealth describes the job runner component.
type RunnerHealth struct {
	Status      string `json:"status"`
	Workers     int    `json:"workers"`
	RunningJobs int64  `json:"running_jobs"`
}

// CircuitBreakerStatus describes one outbound host circuit breaker.
type CircuitBreakerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// HealthComponents groups per-component health detail.
type HealthComponents struct {
	Database        DatabaseHealth         `json:"database"`
	JobRunner       RunnerHealth           `json:"job_runner"`
	CircuitBreakers []CircuitBreakerStatus `json:"circuit_breakers,omitempty"`
}
