// Package admin 管理接口：会话注册、状态查询、指标和事件流
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mrcgq/battlegrounds/internal/handler"
)

// Registry 会话注册表
type Registry interface {
	Open(id uint32) error
	Close(id uint32) error
	Info(id uint32) (handler.Info, bool)
	List() []handler.Info
}

// SessionView 会话的 JSON 表示
type SessionView struct {
	ID         uint32    `json:"id"`
	Status     string    `json:"status"`
	Remote     string    `json:"remote,omitempty"`
	LastAction time.Time `json:"last_action"`
	Channels   []uint8   `json:"channels"`
}

func view(info handler.Info) SessionView {
	channels := info.Channels
	if channels == nil {
		channels = []uint8{}
	}
	return SessionView{
		ID:         info.ID,
		Status:     info.Status.String(),
		Remote:     info.Remote,
		LastAction: info.LastAction,
		Channels:   channels,
	}
}

// API 管理接口
type API struct {
	reg      Registry
	gatherer prometheus.Gatherer
	hub      *Hub
	log      *zap.Logger
}

// New 创建管理接口；gatherer 为 nil 时不提供 /metrics，hub 为 nil 时不提供 /events
func New(reg Registry, gatherer prometheus.Gatherer, hub *Hub, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{reg: reg, gatherer: gatherer, hub: hub, log: log}
}

// Router 路由
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
	if a.hub != nil {
		r.Get("/events", a.hub.ServeHTTP)
	}

	r.Get("/sessions", a.list)
	r.Post("/sessions/{id}", a.open)
	r.Get("/sessions/{id}", a.get)
	r.Delete("/sessions/{id}", a.close)
	return r
}

func (a *API) list(w http.ResponseWriter, _ *http.Request) {
	infos := a.reg.List()
	out := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, view(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) open(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := a.reg.Open(id); err != nil {
		if errors.Is(err, handler.ErrSessionExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	a.log.Info("注册会话", zap.Uint32("session", id), zap.String("remote", r.RemoteAddr))

	info, _ := a.reg.Info(id)
	writeJSON(w, http.StatusCreated, view(info))
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	info, found := a.reg.Info(id)
	if !found {
		writeError(w, http.StatusNotFound, handler.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view(info))
}

func (a *API) close(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := a.reg.Close(id); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid session id"))
		return 0, false
	}
	return uint32(v), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Server 管理接口 HTTP 服务
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Listen 监听并在后台提供服务
func Listen(addr string, h http.Handler, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("管理接口退出", zap.Error(err))
		}
	}()
	log.Info("管理接口监听", zap.Stringer("addr", ln.Addr()))
	return s, nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Shutdown 停止服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
