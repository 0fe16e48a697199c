package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"AirbandBridge/core/auth"
	"AirbandBridge/logger"
	"AirbandBridge/metrics"
	"AirbandBridge/model"
	"AirbandBridge/repository"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ChannelSource 由 *channel.Registry 实现
type ChannelSource interface {
	Channels() []model.Channel
}

// DestinationSource 由 *destination.Resolver 实现
type DestinationSource interface {
	Destinations() []model.Destination
}

// RecordingSource 由 *pipeline.Tracker 实现
type RecordingSource interface {
	Recent(limit int) []model.Transition
	InFlight() map[string]model.RecordingState
	Totals() map[model.RecordingState]int64
}

// Options 状态服务的依赖，History、Metrics、Hub 可以为 nil
type Options struct {
	Addr         string
	Auth         auth.BasicAuth
	Channels     ChannelSource
	Destinations DestinationSource
	Recordings   RecordingSource
	History      repository.PublishRecordRepository
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Hub          *Hub
}

// Server 只读的状态接口：健康检查、频点、最近录音、发布台账、指标、实时事件
type Server struct {
	opts    Options
	router  *mux.Router
	started time.Time
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New 创建状态服务并注册路由
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, router: mux.NewRouter(), started: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	if s.opts.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.opts.Auth.Middleware)
	protected.HandleFunc("/api/channels", s.handleChannels).Methods(http.MethodGet)
	protected.HandleFunc("/api/destinations", s.handleDestinations).Methods(http.MethodGet)
	protected.HandleFunc("/api/recordings", s.handleRecordings).Methods(http.MethodGet)
	protected.HandleFunc("/api/history", s.handleHistory).Methods(http.MethodGet)
	protected.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	protected.HandleFunc("/ws/events", s.handleEvents)
}

// Handler 返回路由，测试中直接使用
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe 阻塞直到 ctx 结束，随后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("状态服务已启动", logger.String("addr", s.opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	logger.Info("状态服务已关闭")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt 缺省或非法时返回 fallback
func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.Recordings != nil {
		resp["inFlight"] = len(s.opts.Recordings.InFlight())
	}
	writeJSON(w, http.StatusOK, resp)
}

type channelView struct {
	model.Channel
	RoomID string `json:"roomId,omitempty"`
	Alias  string `json:"alias,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.opts.Channels == nil {
		writeJSON(w, http.StatusOK, []channelView{})
		return
	}

	bound := make(map[int64]model.Destination)
	if s.opts.Destinations != nil {
		for _, d := range s.opts.Destinations.Destinations() {
			bound[d.Channel.FrequencyHz] = d
		}
	}

	channels := s.opts.Channels.Channels()
	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		v := channelView{Channel: ch}
		if d, ok := bound[ch.FrequencyHz]; ok {
			v.RoomID = d.RemoteID
			v.Alias = d.Alias
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Destinations == nil {
		writeJSON(w, http.StatusOK, []model.Destination{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Destinations.Destinations())
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recordings == nil {
		writeError(w, http.StatusServiceUnavailable, "recording tracker not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recent":   s.opts.Recordings.Recent(queryInt(r, "limit", 50)),
		"inFlight": s.opts.Recordings.InFlight(),
		"totals":   s.opts.Recordings.Totals(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusServiceUnavailable, "publish ledger not configured")
		return
	}

	limit := queryInt(r, "limit", 50)
	var (
		records []*model.PublishRecord
		err     error
	)
	if f := r.URL.Query().Get("frequency"); f != "" {
		freq, perr := strconv.ParseInt(f, 10, 64)
		if perr != nil || freq <= 0 {
			writeError(w, http.StatusBadRequest, "invalid frequency")
			return
		}
		records, err = s.opts.History.ByFrequency(r.Context(), freq, limit)
	} else {
		records, err = s.opts.History.Recent(r.Context(), limit)
	}
	if err != nil {
		logger.Error("failed to query publish ledger", logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "failed to query publish ledger")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	var freq int64
	if f := r.URL.Query().Get("frequency"); f != "" {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid frequency")
			return
		}
		freq = n
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := &wsClient{hub: s.opts.Hub, conn: conn, send: make(chan []byte, 64), frequency: freq}
	select {
	case s.opts.Hub.register <- client:
	case <-s.opts.Hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// statusRecorder 记录响应码，保留 Hijacker 以支持 WebSocket 升级
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		s.opts.Metrics.RecordHTTPRequest(r.Method, endpoint, rec.status, time.Since(start).Seconds())
	})
}
