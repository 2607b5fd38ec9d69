package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	qrSize       = 256
	statsDays    = 7
	statsTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Routes holds what the HTTP handlers need
type Routes struct {
	Game      *Game
	Hub       *Hub
	Analytics *Analytics // nil when analytics is disabled
	ClientDir string
	PublicURL string
	Logger    *zap.Logger
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetupRoutes configures HTTP routes
func SetupRoutes(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()

	// Serve static files with no-cache so browsers always revalidate
	fs := http.FileServer(http.Dir(rt.ClientDir))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		fs.ServeHTTP(w, r)
	}))

	mux.HandleFunc("/ws", rt.handleWS)
	mux.HandleFunc("/qr.png", rt.handleQR)
	mux.HandleFunc("/stats", rt.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return mux
}

func (rt Routes) handleWS(w http.ResponseWriter, r *http.Request) {
	codec, err := ParseCodec(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ip := extractIP(r)
	if !rt.Hub.Acquire(ip) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.Hub.Release(ip)
		rt.Logger.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	conn := &trackedConn{Conn: ws, release: func() { rt.Hub.Release(ip) }}

	if err := rt.Game.Send(AddPlayer{Conn: conn, Codec: codec}); err != nil {
		rt.Logger.Warn("game unavailable, dropping connection", zap.String("ip", ip), zap.Error(err))
		conn.Close()
	}
}

// publicURL is what the QR code points at
func (rt Routes) publicURL(r *http.Request) string {
	if rt.PublicURL != "" {
		return rt.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

func (rt Routes) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(rt.publicURL(r), qrcode.Medium, qrSize)
	if err != nil {
		rt.Logger.Error("qr encode", zap.Error(err))
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

type statsResponse struct {
	Game   Stats          `json:"game"`
	Conns  int            `json:"connections"`
	Run    *RunSummary    `json:"run,omitempty"`
	Events map[string]int `json:"events,omitempty"`
	// Dropped is set only when analytics is enabled
	Dropped *int `json:"dropped_events,omitempty"`
}

func (rt Routes) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := rt.Game.Stats(ctx)
	if err != nil {
		http.Error(w, "game unavailable", http.StatusServiceUnavailable)
		return
	}
	resp := statsResponse{Game: stats, Conns: rt.Hub.TotalConns()}
	if rt.Analytics != nil {
		dropped := rt.Analytics.Dropped()
		resp.Dropped = &dropped
		if run, err := rt.Analytics.CurrentRun(); err == nil {
			resp.Run = &run
		} else {
			rt.Logger.Warn("analytics run summary", zap.Error(err))
		}
		if counts, err := rt.Analytics.EventCounts(statsDays); err == nil {
			resp.Events = counts
		} else {
			rt.Logger.Warn("analytics event counts", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
