package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fusion-trader/internal/ledger"
	"fusion-trader/internal/model"
	"fusion-trader/internal/risk"
	"fusion-trader/internal/service"
)

// GateControl is the part of the risk gate the server exposes.
type GateControl interface {
	Status() risk.Status
	Halt(reason string)
	Resume(reason string)
}

// TradeControl is the part of the trade tracker the server exposes.
type TradeControl interface {
	ActiveTrades() []model.ActiveTrade
	CloseTrade(ctx context.Context, symbol string) (model.ClosedTradeRecord, error)
}

// Instance groups the controls of one running orchestrator.
type Instance struct {
	Gate   GateControl
	Trades TradeControl
}

// StatusServer serves gate status, operator halt/resume, open trades, the ledger and metrics.
type StatusServer struct {
	addr      string
	instances map[string]Instance
	ledger    ledger.Ledger
	router    *mux.Router
	logger    *zap.SugaredLogger
}

func NewStatusServer(addr string, instances map[string]Instance, l ledger.Ledger, logger *zap.SugaredLogger) *StatusServer {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	s := &StatusServer{
		addr:      addr,
		instances: instances,
		ledger:    l,
		router:    mux.NewRouter(),
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *StatusServer) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleAllStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{name}/status", s.withInstance(s.handleStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{name}/halt", s.withInstance(s.handleHalt)).Methods(http.MethodPost)
	s.router.HandleFunc("/instances/{name}/resume", s.withInstance(s.handleResume)).Methods(http.MethodPost)
	s.router.HandleFunc("/instances/{name}/trades", s.withInstance(s.handleTrades)).Methods(http.MethodGet)
	s.router.HandleFunc("/instances/{name}/trades/{symbol}/close", s.withInstance(s.handleClose)).Methods(http.MethodPost)
	s.router.HandleFunc("/ledger", s.handleLedger).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the router, mainly for tests.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *StatusServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("status server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type instanceHandler func(w http.ResponseWriter, r *http.Request, name string, inst Instance)

func (s *StatusServer) withInstance(h instanceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		inst, ok := s.instances[name]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown instance "+name)
			return
		}
		h(w, r, name, inst)
	}
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleAllStatus(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]risk.Status, 0, len(names))
	for _, name := range names {
		out = append(out, s.instances[name].Gate.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request, name string, inst Instance) {
	writeJSON(w, http.StatusOK, inst.Gate.Status())
}

type controlRequest struct {
	Reason string `json:"reason"`
}

func readReason(r *http.Request, fallback string) string {
	var req controlRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		return fallback
	}
	return req.Reason
}

func (s *StatusServer) handleHalt(w http.ResponseWriter, r *http.Request, name string, inst Instance) {
	reason := readReason(r, "operator halt")
	s.logger.Warnw("operator halt", "instance", name, "reason", reason)
	inst.Gate.Halt(reason)
	writeJSON(w, http.StatusOK, inst.Gate.Status())
}

func (s *StatusServer) handleResume(w http.ResponseWriter, r *http.Request, name string, inst Instance) {
	reason := readReason(r, "operator resume")
	s.logger.Warnw("operator resume", "instance", name, "reason", reason)
	inst.Gate.Resume(reason)
	writeJSON(w, http.StatusOK, inst.Gate.Status())
}

func (s *StatusServer) handleTrades(w http.ResponseWriter, r *http.Request, name string, inst Instance) {
	writeJSON(w, http.StatusOK, inst.Trades.ActiveTrades())
}

func (s *StatusServer) handleClose(w http.ResponseWriter, r *http.Request, name string, inst Instance) {
	symbol := mux.Vars(r)["symbol"]
	rec, err := inst.Trades.CloseTrade(r.Context(), symbol)
	if err != nil {
		status := http.StatusBadGateway
		var gf *model.GatewayFailureError
		if !errors.As(err, &gf) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type ledgerResponse struct {
	Summary ledger.Summary            `json:"summary"`
	Records []model.ClosedTradeRecord `json:"records"`
}

func (s *StatusServer) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{Symbol: q.Get("symbol"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+key)
				return
			}
			*dst = t
		}
	}

	records, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		s.logger.Errorw("ledger query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if records == nil {
		records = []model.ClosedTradeRecord{}
	}
	writeJSON(w, http.StatusOK, ledgerResponse{Summary: ledger.Summarize(records), Records: records})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
