// Package agent is the HTTP operations surface for the worker manager. It
// exposes analysis, lifecycle control, and status (polled or streamed over a
// WebSocket).
package agent

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/annotext/annotext/annotate"
	"github.com/annotext/annotext/worker"
)

type Agent struct {
	log        *zap.SugaredLogger
	listenAddr string

	manager  *worker.Manager
	analyzer *annotate.Client

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.log = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.log = a.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs an agent fronting the given manager.
func New(m *worker.Manager, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	a := &Agent{
		log:        logger.Named("agent").Sugar(),
		listenAddr: "127.0.0.1:8090",
		manager:    m,
		analyzer:   annotate.NewClient(m),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Run serves the HTTP API until Stop is called.
func (a *Agent) Run() error {
	router := httprouter.New()
	router.POST("/analyze", a.analyze)
	router.GET("/status", a.status)
	router.GET("/status/ws", a.statusWS)
	router.POST("/initialize", a.initialize)
	router.POST("/stop", a.stop)
	router.GET("/healthz", a.healthz)

	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{Handler: router}
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.httpServer = server
	a.mu.Unlock()

	a.log.Infow("agent listening", "Addr", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down. Safe to call before Run; a later Run
// returns immediately without serving.
func (a *Agent) Stop() error {
	a.mu.Lock()
	a.stopped = true
	server := a.httpServer
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Close()
}

type analyzeHTTPRequest struct {
	Text string `json:"text"`
}

type analyzeHTTPResponse struct {
	Entities []annotate.Entity `json:"entities"`
}

func (a *Agent) analyze(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req analyzeHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entities, err := a.analyzer.Analyze(r.Context(), req.Text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if entities == nil {
		entities = []annotate.Entity{}
	}

	a.writeJSON(w, analyzeHTTPResponse{Entities: entities})
}

// statusResponse is the wire form of a worker.Status.
type statusResponse struct {
	State      string          `json:"state"`
	InstanceID string          `json:"instanceId,omitempty"`
	ModelInfo  json.RawMessage `json:"modelInfo,omitempty"`
	Error      string          `json:"error,omitempty"`
	Pending    int             `json:"pending"`
}

func (a *Agent) currentStatus() statusResponse {
	resp := statusResponse{
		State:      a.manager.State().String(),
		InstanceID: a.manager.InstanceID(),
		ModelInfo:  a.manager.ModelInfo(),
		Pending:    a.manager.PendingRequests(),
	}
	if err := a.manager.LastError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.writeJSON(w, a.currentStatus())
}

// statusWS streams every state transition to the client as one JSON message
// per transition, starting with a snapshot of the current status.
func (a *Agent) statusWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	updates, unsubscribe := a.manager.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	if err := wsjson.Write(ctx, wsConn, a.currentStatus()); err != nil {
		a.log.Debugf("error writing status snapshot: %s", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			resp := statusResponse{
				State:      s.State.String(),
				InstanceID: s.InstanceID,
				ModelInfo:  s.ModelInfo,
			}
			if s.Err != nil {
				resp.Error = s.Err.Error()
			}
			if err := wsjson.Write(ctx, wsConn, resp); err != nil {
				a.log.Debugf("error writing status update: %s", err)
				return
			}
		}
	}
}

func (a *Agent) initialize(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.manager.Initialize(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.writeJSON(w, a.currentStatus())
}

func (a *Agent) stop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.manager.Stop(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, a.currentStatus())
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if a.manager.State() != worker.StateReady {
		http.Error(w, a.manager.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
