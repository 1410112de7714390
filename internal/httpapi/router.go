package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux。终端协议路径是厂家固件写死的，
// 不需要参数路由，引第三方路由器只会多一层。
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（WebSocket 升级等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug("HTTP request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("duration", time.Since(start)))
}

// RegisterIclockRoutes 注册 iclock（ADMS 推送）协议路由
func (r *Router) RegisterIclockRoutes(h *IclockHandler) {
	r.Handle("/iclock/cdata", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.Handshake(w, req)
		case http.MethodPost:
			h.ReceiveData(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	r.Handle("/iclock/getrequest", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.GetRequest(w, req)
	})
	r.Handle("/iclock/devicecmd", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.DeviceCmd(w, req)
	})
}

// RegisterHikvisionRoutes 注册 hikvision 推送协议路由
func (r *Router) RegisterHikvisionRoutes(h *HikvisionHandler) {
	r.Handle("/hikvision/event", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			h.Liveness(w, req)
		case http.MethodPost:
			h.ReceiveEvent(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	r.Handle("/hikvision/event/batch", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ReceiveBatch(w, req)
	})
}

// RegisterAdminRoutes 注册管理面 JSON 路由（鉴权由外层网关负责）
func (r *Router) RegisterAdminRoutes(h *AdminHandler) {
	r.Handle("/api/sync/trigger", postOnly(h.TriggerSync))
	r.Handle("/api/sync/status", getOnly(h.SyncStatus))
	r.Handle("/api/attendance/records", getOnly(h.AttendanceRecords))
	r.Handle("/api/attendance/recalculate", postOnly(h.Recalculate))
	r.Handle("/api/attendance/reprocess", postOnly(h.Reprocess))
	r.Handle("/api/employees/merge-duplicates", postOnly(h.MergeDuplicates))
	r.Handle("/api/realtime/status", getOnly(h.RealtimeStatus))

	r.Handle("/api/tasks", getOnly(h.ListTasks))
	r.Handle("/api/tasks/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(req.URL.Path, "/api/tasks/")
		if id == "" || strings.Contains(id, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.TaskStatus(w, req, id)
	})

	r.Handle("/api/devices", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.RegisterDevice(w, req)
		case http.MethodGet:
			h.ListDevices(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// /api/devices/{id}/commands[/stats]
	r.Handle("/api/devices/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/devices/")
		deviceID, tail, _ := strings.Cut(rest, "/")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case tail == "commands" && req.Method == http.MethodPost:
			h.EnqueueCommand(w, req, deviceID)
		case tail == "commands" && req.Method == http.MethodGet:
			h.ListCommands(w, req, deviceID)
		case tail == "commands/stats" && req.Method == http.MethodGet:
			h.CommandStats(w, req, deviceID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
