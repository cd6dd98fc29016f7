// Package httpapi exposes the operator/debug HTTP surface named in spec.md
// §9's supplemented features: a local read-only view onto the queue,
// device model, connection state and active transactions, plus
// start/stop and simulated-plugin (fake meter values) control endpoints
// for demo use.
// Grounded on the teacher's http_server.go control server, rebuilt on
// github.com/go-chi/chi/v5 (already a dependency of the broader example
// pack) instead of a bare http.ServeMux, with table rendering kept on
// github.com/jedib0t/go-pretty/v6 as the teacher does it.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"

	"chargepoint/internal/facade"
	"chargepoint/internal/simulate"
)

// Server is the control-plane HTTP surface. It only reads from and issues
// commands against an already-running facade.ChargePoint; it holds no
// protocol state of its own.
type Server struct {
	cp  *facade.ChargePoint
	log *logrus.Entry

	drivers map[int]*simulate.Driver
}

// New builds a Server bound to cp. drivers, if non-nil, lets /simulate/*
// endpoints drive fake hardware sessions for demo purposes.
func New(cp *facade.ChargePoint, drivers map[int]*simulate.Driver, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{cp: cp, log: log, drivers: drivers}
}

// Router builds the chi router the caller can pass to http.Serve/net.Listen.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleList)
	r.Get("/queue", s.handleQueue)
	r.Get("/device-model", s.handleDeviceModel)
	r.Get("/connection-state", s.handleConnectionState)
	r.Get("/transactions/{evseId}", s.handleActiveTransaction)
	r.Post("/control/start", s.handleStart)
	r.Post("/control/stop", s.handleStop)
	r.Post("/simulate/{evseId}/plugin", s.handleSimulatePlugin)

	return r
}

// Serve listens and serves the control surface, returning once ctx is
// cancelled or listening fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("charge point control surface\n  GET  /queue\n  GET  /device-model\n  GET  /connection-state\n  GET  /transactions/{evseId}\n  POST /control/start\n  POST /control/stop\n  POST /simulate/{evseId}/plugin\n"))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := s.cp.Queue.Snapshot()
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Unique ID", "Action", "Tier", "Attempts", "Enqueued At"})
	for _, m := range snap {
		t.AppendRow(table.Row{m.UniqueID, m.Action, m.Tier, m.Attempts, m.FirstEnqueuedAt.Format(time.RFC3339)})
	}
	t.Render()
}

func (s *Server) handleDeviceModel(w http.ResponseWriter, r *http.Request) {
	vars := s.cp.Device.GetDeviceModel()
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Component", "Variable", "Attribute", "Value", "Source"})
	for _, v := range vars {
		for attr, sv := range v.Values {
			t.AppendRow(table.Row{v.Component, v.Variable, attr, sv.Value, sv.Source})
		}
	}
	t.Render()
}

func (s *Server) handleConnectionState(w http.ResponseWriter, r *http.Request) {
	state := s.cp.Conn.State()
	json.NewEncoder(w).Encode(map[string]string{"state": state.String()})
}

func (s *Server) handleActiveTransaction(w http.ResponseWriter, r *http.Request) {
	evseID, err := strconv.Atoi(chi.URLParam(r, "evseId"))
	if err != nil {
		http.Error(w, "invalid evseId", http.StatusBadRequest)
		return
	}
	tx, ok := s.cp.TxMachine.ActiveTransaction(evseID)
	if !ok {
		http.Error(w, "no active transaction", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(tx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cp.Start(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write([]byte("charge point started\n"))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.cp.Stop(5 * time.Second)
	w.Write([]byte("charge point stopped\n"))
}

func (s *Server) handleSimulatePlugin(w http.ResponseWriter, r *http.Request) {
	evseID, err := strconv.Atoi(chi.URLParam(r, "evseId"))
	if err != nil {
		http.Error(w, "invalid evseId", http.StatusBadRequest)
		return
	}
	drv, ok := s.drivers[evseID]
	if !ok {
		http.Error(w, "no simulated hardware for that evse", http.StatusNotFound)
		return
	}
	var body struct {
		IdTag      string `json:"idTag"`
		DurationMS int64  `json:"durationMs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.IdTag == "" {
		body.IdTag = "DEMOTAG1"
	}
	duration := time.Duration(body.DurationMS) * time.Millisecond
	if duration <= 0 {
		duration = 10 * time.Minute
	}
	go func() {
		if err := drv.RunSession(context.Background(), body.IdTag, duration); err != nil {
			s.log.WithError(err).Warn("simulated session failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("simulated session started\n"))
}
