package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tmerz/assetcalc/engine"
	"github.com/tmerz/assetcalc/eval"
	"github.com/tmerz/assetcalc/hierarchy"
	"github.com/tmerz/assetcalc/series"
)

type apiServer struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type submitRequest struct {
	AssetID     string `json:"asset_id"`
	AttributeID string `json:"attribute_id"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Resolution  string `json:"resolution"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type sandboxRequest struct {
	Expression string                 `json:"expression"`
	Inputs     map[string]interface{} `json:"inputs"`
}

type sandboxResponse struct {
	Value   interface{} `json:"value"`
	Quality string      `json:"quality"`
	Inputs  []string    `json:"inputs"`
}

type modelNode struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Type       string                `json:"type"`
	UnsPath    string                `json:"uns_path,omitempty"`
	DataSource string                `json:"data_source,omitempty"`
	Attributes []hierarchy.Attribute `json:"attributes,omitempty"`
	Children   []modelNode           `json:"children,omitempty"`
}

func newAPIServer(svc *Service, listen string) (*apiServer, error) {
	mux := http.NewServeMux()
	server := &apiServer{logger: svc.logger, service: svc}
	mux.HandleFunc("/api/jobs", server.handleJobs)
	mux.HandleFunc("/api/jobs/", server.handleJob)
	mux.HandleFunc("/api/model", server.handleModel)
	mux.HandleFunc("/api/model/nodes/", server.handleModelNode)
	mux.HandleFunc("/api/uns", server.handleUnsLookup)
	mux.HandleFunc("/api/sandbox", server.handleSandbox)
	mux.HandleFunc("/api/health", server.handleHealth)
	if svc.cfg.Telemetry.Prometheus.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			svc.logger.Error().Err(err).Msg("api server stopped")
		}
	}()
	return server, nil
}

func (s *apiServer) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.service.scheduler.Jobs())
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		http.Error(w, "invalid start timestamp", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		http.Error(w, "invalid end timestamp", http.StatusBadRequest)
		return
	}
	resolution, err := time.ParseDuration(req.Resolution)
	if err != nil {
		http.Error(w, "invalid resolution", http.StatusBadRequest)
		return
	}
	id, err := s.service.scheduler.Submit(engine.Request{
		AssetID:     req.AssetID,
		AttributeID: req.AttributeID,
		Start:       start,
		End:         end,
		Resolution:  resolution,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(submitResponse{JobID: id}); err != nil {
		s.logger.Error().Err(err).Msg("encode submit response")
	}
}

func (s *apiServer) writeSubmitError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var conflict *engine.ConflictError
	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		view, err := s.service.scheduler.Status(id)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		s.writeJSON(w, view)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.service.scheduler.Cancel(id); err != nil {
			s.writeJobError(w, err)
			return
		}
		view, err := s.service.scheduler.Status(id)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		s.writeJSON(w, view)
	case sub == "series" && r.Method == http.MethodGet:
		samples, err := s.service.scheduler.Series(id)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		if samples == nil {
			samples = []series.ComputedSample{}
		}
		s.writeJSON(w, samples)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *apiServer) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrAlreadyTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *apiServer) handleModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roots := s.service.store.Roots()
	tree := make([]modelNode, 0, len(roots))
	for _, root := range roots {
		tree = append(tree, s.toModelNode(root))
	}
	s.writeJSON(w, tree)
}

func (s *apiServer) toModelNode(info hierarchy.NodeInfo) modelNode {
	out := modelNode{
		ID:         info.ID,
		Name:       info.Name,
		Type:       string(info.Type),
		UnsPath:    info.UnsPath,
		DataSource: info.DataSource,
		Attributes: info.Attributes,
	}
	for _, childID := range info.ChildIDs {
		child, err := s.service.store.GetNode(childID)
		if err != nil {
			continue
		}
		out.Children = append(out.Children, s.toModelNode(child))
	}
	return out
}

func (s *apiServer) handleModelNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/model/nodes/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	info, err := s.service.store.GetNode(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.toModelNode(info))
}

func (s *apiServer) handleUnsLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path parameter required", http.StatusBadRequest)
		return
	}
	info, err := s.service.store.FindByUnsPath(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.toModelNode(info))
}

// handleSandbox compiles and evaluates an expression against caller provided
// inputs without touching any provider. All inputs are treated as good
// quality readings.
func (s *apiServer) handleSandbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req sandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	program, err := eval.Compile(req.Expression)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bindings := make(map[string]eval.Binding, len(req.Inputs))
	for name, value := range req.Inputs {
		bindings[name] = eval.Binding{Value: value, Quality: series.QualityGood}
	}
	value, quality, err := program.Evaluate(bindings)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, sandboxResponse{
		Value:   value,
		Quality: string(quality),
		Inputs:  program.Identifiers(),
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.service.Health())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *apiServer) close() {
	if s == nil || s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && err != context.Canceled {
		s.logger.Error().Err(err).Msg("shutdown api server")
	}
}
