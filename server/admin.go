package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 管理与监控接口：独立于游戏线协议的运维面，挂在单独的 HTTP 端口上

// AdminRouter 组装管理路由
func (s *GameServer) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/status", s.handleStatus)
	r.Get("/admin/config", s.handleConfigGet)
	r.Post("/admin/config", s.handleConfigPost)
	r.Get("/ws", s.HandleWS)
	return r
}

func (s *GameServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

// 热更新载荷：指针字段，缺省即不改
type adminConfig struct {
	MaxClients     *int `json:"maxClients,omitempty"`
	IdleTimeoutSec *int `json:"idleTimeoutSec,omitempty"`
	SectorGraceSec *int `json:"sectorGraceSec,omitempty"`
}

func (s *GameServer) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	maxClients := s.MaxClients()
	idleSec := int(s.IdleTimeout() / time.Second)
	graceSec := int(s.SectorGrace() / time.Second)
	cur := adminConfig{
		MaxClients:     &maxClients,
		IdleTimeoutSec: &idleSec,
		SectorGraceSec: &graceSec,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cur)
}

func (s *GameServer) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var body adminConfig
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if body.MaxClients != nil {
		s.SetMaxClients(*body.MaxClients)
	}
	if body.IdleTimeoutSec != nil {
		s.SetIdleTimeout(time.Duration(*body.IdleTimeoutSec) * time.Second)
	}
	if body.SectorGraceSec != nil {
		s.SetSectorGrace(time.Duration(*body.SectorGraceSec) * time.Second)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	Log.Infof("config updated: maxClients=%d idleTimeout=%s sectorGrace=%s",
		s.MaxClients(), s.IdleTimeout(), s.SectorGrace())
}
