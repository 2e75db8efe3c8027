package delivery

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackHATred/tapproxy/internal/usecase"
	"github.com/blackHATred/tapproxy/internal/usecase/service"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	wsWriteWait      = 10 * time.Second
	wsPingPeriod     = 30 * time.Second
)

// History serves the observed message history and the live feed.
type History struct {
	historyUsecase usecase.HistoryUsecase
	upgrader       websocket.Upgrader
	log            *zap.SugaredLogger
}

func NewHistoryDelivery(historyUC usecase.HistoryUsecase, log *zap.SugaredLogger) *History {
	return &History{
		historyUsecase: historyUC,
		upgrader: websocket.Upgrader{
			// the inspector UI may be served from anywhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Routes registers every endpoint on mux.
func (h *History) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/messages", h.RecordList)
	mux.HandleFunc("/api/messages/", h.RecordDetails)
	mux.HandleFunc("/ws", h.LiveFeed)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func (h *History) StartHttpServer(wg *sync.WaitGroup, mux *http.ServeMux, addr string) *http.Server {
	h.Routes(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		defer wg.Done()

		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			h.log.Errorw("web server stopped", "err", err)
		}
	}()

	h.log.Infow("web server listening", "addr", addr)
	return srv
}

func (h *History) RecordList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := h.historyUsecase.RecordList(r.Context(), limit)
	if err != nil {
		h.log.Errorw("list records", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, list)
}

func (h *History) RecordDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	rec, err := h.historyUsecase.RecordDetails(r.Context(), id)
	if errors.Is(err, service.ErrRecordNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Errorw("get record", "id", id, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, rec)
}

// LiveFeed streams every new record as a JSON text message.
func (h *History) LiveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	feed, unsubscribe := h.historyUsecase.Subscribe()
	defer unsubscribe()

	// the read side only exists to notice the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case rec, ok := <-feed:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				h.log.Debugw("live feed write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (h *History) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debugw("write response", "err", err)
	}
}
