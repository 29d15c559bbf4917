package builtins

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/danmuck/deskctl/internal/contrib"
	"github.com/danmuck/deskctl/internal/lifecycle"
	"github.com/danmuck/deskctl/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

var ErrStatusNotStarted = errors.New("builtins: status server not started")

const statusNode = "status"

// StatusSource reports orchestrator state.
type StatusSource interface {
	Status() lifecycle.Status
}

// ProcessStats describes the worker process, or the shell itself when the
// worker is embedded.
type ProcessStats struct {
	PID        int     `json:"pid"`
	Embedded   bool    `json:"embedded"`
	Running    bool    `json:"running"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

type statusResponse struct {
	Phase           string        `json:"phase"`
	Endpoint        string        `json:"endpoint,omitempty"`
	Launches        int           `json:"launches"`
	SecondInstances int           `json:"second_instances"`
	ShellPID        int           `json:"shell_pid"`
	Worker          *ProcessStats `json:"worker,omitempty"`
	WorkerError     string        `json:"worker_error,omitempty"`
}

// StatusServer is an optional local HTTP server exposing shell status and
// metrics for the lifetime of the shell.
type StatusServer struct {
	addr      string
	source    StatusSource
	workerPID func() int
	router    *gin.Engine

	mu    sync.Mutex
	srv   *http.Server
	bound string
}

func NewStatusServer(addr string, source StatusSource, workerPID func() int) *StatusServer {
	observability.RegisterMetrics()
	if workerPID == nil {
		workerPID = func() int { return 0 }
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger(statusNode)))
	r.Use(observability.RequestMetricsMiddleware(statusNode))

	s := &StatusServer{addr: addr, source: source, workerPID: workerPID, router: r}
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

func (s *StatusServer) Contribution() contrib.Contribution {
	return contrib.Contribution{Name: "status", Start: s.Start, Stop: s.Stop}
}

func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *StatusServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("builtins: status listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.srv = srv
	s.bound = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("builtins.StatusServer.Serve failed")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("builtins.StatusServer.Start listening")
	return nil
}

func (s *StatusServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return ErrStatusNotStarted
	}
	return srv.Shutdown(ctx)
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	st := s.source.Status()
	resp := statusResponse{
		Phase:           string(st.Phase),
		Launches:        st.Launches,
		SecondInstances: st.SecondInstances,
		ShellPID:        os.Getpid(),
	}
	if st.EndpointSet {
		resp.Endpoint = st.Endpoint.URL()
	}

	pid, embedded := s.workerPID(), false
	if pid == 0 {
		pid, embedded = os.Getpid(), true
	}
	stats, err := CollectProcessStats(c.Request.Context(), pid)
	if err != nil {
		resp.WorkerError = err.Error()
	} else {
		stats.Embedded = embedded
		resp.Worker = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// CollectProcessStats samples memory, cpu, and thread counts for pid.
func CollectProcessStats(ctx context.Context, pid int) (ProcessStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessStats{PID: pid}, err
	}
	stats := ProcessStats{PID: pid}
	stats.Running, _ = p.IsRunningWithContext(ctx)
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	return stats, nil
}
