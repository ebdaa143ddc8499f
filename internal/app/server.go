package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/metrics"
	"tradeops/internal/monitor"
	"tradeops/internal/operation"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// operator 为运维接口可调用的编排器能力。
type operator interface {
	Snapshot() []operation.Record
	ForceCloseOperation(id string) <-chan string
	ForceLiquidate(id string) <-chan string
	RequestResumeOperation(id string) <-chan string
	RequestCancelEntryOrders() <-chan string
	RequestStopEntries() <-chan string
	RequestResumeEntries() <-chan string
	RequestTradingResults(start, end time.Time, baseAsset string) <-chan algo.TradingResults
}

type eventLister interface {
	ListEvents(ctx context.Context, q monitor.Query) ([]monitor.Event, error)
}

type handler struct {
	algo    operator
	events  eventLister
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func newHandler(op operator, events eventLister, logger *zap.Logger) *handler {
	return &handler{
		algo:    op,
		events:  events,
		logger:  logger,
		timeout: 30 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.listEvents)
	mux.HandleFunc("GET /operations", h.listOperations)
	mux.HandleFunc("POST /commands/{name}", h.runCommand)
	mux.HandleFunc("GET /results", h.tradingResults)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = min(v, maxEventLimit)
		}
	}

	events, err := h.events.ListEvents(r.Context(), monitor.Query{
		Type:    monitor.EventType(strings.ToLower(strings.TrimSpace(q.Get("type")))),
		Subject: strings.TrimSpace(q.Get("subject")),
		Limit:   limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *handler) listOperations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.algo.Snapshot())
}

type commandResponse struct {
	Command string `json:"command"`
	ID      string `json:"id,omitempty"`
	Result  string `json:"result,omitempty"`
	Queued  bool   `json:"queued,omitempty"`
}

// runCommand 将指令排入编排器，在超时前等待执行结果。
func (h *handler) runCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	id := strings.TrimSpace(r.URL.Query().Get("id"))

	var result <-chan string
	switch name {
	case "close", "liquidate", "resume":
		if id == "" {
			http.Error(w, "缺少操作 id", http.StatusBadRequest)
			return
		}
		switch name {
		case "close":
			result = h.algo.ForceCloseOperation(id)
		case "liquidate":
			result = h.algo.ForceLiquidate(id)
		default:
			result = h.algo.RequestResumeOperation(id)
		}
	case "cancel_entries":
		result = h.algo.RequestCancelEntryOrders()
	case "stop_entries":
		result = h.algo.RequestStopEntries()
	case "resume_entries":
		result = h.algo.RequestResumeEntries()
	default:
		http.Error(w, fmt.Sprintf("未知指令 %q", name), http.StatusNotFound)
		return
	}

	resp := commandResponse{Command: name, ID: id}
	select {
	case res := <-result:
		resp.Result = res
		h.writeJSON(w, http.StatusOK, resp)
	case <-time.After(h.timeout):
		// 指令仍在队列中，下一个周期会执行
		resp.Queued = true
		h.writeJSON(w, http.StatusAccepted, resp)
	case <-r.Context().Done():
	}
}

func (h *handler) tradingResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := h.now()
	start := end.Add(-24 * time.Hour)
	var err error
	if s := q.Get("end"); s != "" {
		if end, err = time.Parse(time.RFC3339, s); err != nil {
			http.Error(w, "end 需为 RFC3339 时间", http.StatusBadRequest)
			return
		}
	}
	if s := q.Get("start"); s != "" {
		if start, err = time.Parse(time.RFC3339, s); err != nil {
			http.Error(w, "start 需为 RFC3339 时间", http.StatusBadRequest)
			return
		}
	}
	if !start.Before(end) {
		http.Error(w, "start 必须早于 end", http.StatusBadRequest)
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(q.Get("asset")))
	if asset == "" {
		http.Error(w, "缺少 asset", http.StatusBadRequest)
		return
	}

	select {
	case res, ok := <-h.algo.RequestTradingResults(start, end, asset):
		if !ok {
			http.Error(w, "统计交易结果失败", http.StatusInternalServerError)
			return
		}
		h.writeJSON(w, http.StatusOK, res)
	case <-time.After(h.timeout):
		http.Error(w, "等待统计结果超时", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("写入运维接口响应失败", zap.Error(err))
	}
}

func startServer(ctx context.Context, h *handler, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: h.routes(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("运维接口异常", zap.Error(err))
		}
	}()

	logger.Info("运维接口已启动", zap.String("addr", addr))
	return nil
}
