// Package app serves explain runs over HTTP and stores their records in sqlite.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/skyhookml/explain/explain"
	"github.com/skyhookml/explain/graph"
	"github.com/skyhookml/explain/skyhook"

	socketio "github.com/googollee/go-socket.io"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Server struct {
	Router *mux.Router

	db     *Database
	net    *graph.Network
	config Config
	log    *zap.Logger

	// background runs, executed one at a time
	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sockets *socketio.Server
}

func NewServer(db *Database, net *graph.Network, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Router: mux.NewRouter(),
		db:     db,
		net:    net,
		config: config,
		log:    skyhook.Logger().Named("app"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.Router.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		skyhook.JsonResponse(w, s.db.ListRuns())
	}).Methods("GET")

	s.Router.HandleFunc("/runs", s.handleNewRun).Methods("POST")

	s.Router.HandleFunc("/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		run := s.db.GetRun(mux.Vars(r)["run_id"])
		if run == nil {
			http.Error(w, "no such run", 404)
			return
		}
		skyhook.JsonResponse(w, run)
	}).Methods("GET")

	s.Router.HandleFunc("/runs/{run_id}/saliency/{idx:[0-9]+}.png", func(w http.ResponseWriter, r *http.Request) {
		rec := s.getRecord(w, r, KindSaliencyMap)
		if rec == nil {
			return
		}
		im, err := skyhook.HeatmapImage(rec.Array)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		bytes, err := im.AsPNG()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(bytes)
	}).Methods("GET")

	s.Router.HandleFunc("/runs/{run_id}/features/{idx:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		rec := s.getRecord(w, r, KindFeatureVector)
		if rec == nil {
			return
		}
		skyhook.JsonResponse(w, FeatureResponse{
			Key:    rec.Key,
			Shape:  rec.Array.Shape,
			Vector: rec.Array.Floats,
		})
	}).Methods("GET")

	return s
}

type FeatureResponse struct {
	Key    string    `json:"key"`
	Shape  []int     `json:"shape"`
	Vector []float32 `json:"vector"`
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request, kind string) *Record {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["idx"])
	if err != nil {
		http.Error(w, "bad index", 400)
		return nil
	}
	rec, err := s.db.GetRecord(vars["run_id"], kind, idx)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return nil
	} else if rec == nil {
		http.Error(w, "no such record", 404)
		return nil
	}
	return rec
}

type NewRunRequest struct {
	Name string `json:"name"`
	// image folder, relative to the data root
	Path     string `json:"path"`
	Stage    string `json:"stage"`
	Method   string `json:"method"`
	FPNIndex int    `json:"fpn_index"`
}

func (s *Server) handleNewRun(w http.ResponseWriter, r *http.Request) {
	var request NewRunRequest
	if err := skyhook.ParseJsonRequest(w, r, &request); err != nil {
		return
	}
	cfg := s.config.Config
	if request.Stage != "" {
		cfg.Explain.Stage = request.Stage
	}
	if request.Method != "" {
		cfg.Explain.Method = request.Method
	}
	cfg.Explain.FPNIndex = request.FPNIndex
	path, err := s.resolvePath(request.Path)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	cfg.Data.Path = path
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if _, err := s.net.Stage(cfg.Explain.Stage); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	loader, err := explain.NewFolderLoader(cfg.Data)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	run := s.db.NewRun(request.Name, request.Path, cfg.Explain)
	s.log.Info("starting run", zap.String("run", run.ID), zap.String("path", path), zap.Int("images", loader.Len()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(run, cfg.Explain, loader)
	}()
	skyhook.JsonResponse(w, run)
}

func (s *Server) resolvePath(path string) (string, error) {
	if s.config.DataRoot == "" {
		return path, nil
	}
	root := filepath.Clean(s.config.DataRoot)
	full := filepath.Join(root, path)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the data root", path)
	}
	return full, nil
}

func (s *Server) execute(run *Run, cfg explain.ExplainConfig, loader explain.Loader) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	outputs, err := explain.Run(s.ctx, cfg, s.net, loader, func(done, total int) {
		s.broadcast(run.ID, "progress", ProgressMessage{RunID: run.ID, Done: done, Total: total})
	})
	if outputs != nil {
		if saveErr := s.db.SaveOutputs(run.ID, outputs); saveErr != nil && err == nil {
			err = saveErr
		} else if saveErr != nil {
			s.log.Error("saving partial outputs", zap.String("run", run.ID), zap.Error(saveErr))
		}
	}
	s.db.SetDone(run.ID, err)
	if err != nil {
		s.log.Warn("run failed", zap.String("run", run.ID), zap.Error(err))
	}
	s.broadcast(run.ID, "done", s.db.GetRun(run.ID))
}

type ProgressMessage struct {
	RunID string `json:"run_id"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// SetupSocket lets socket.io clients subscribe to the progress of a run.
// A client emits "subscribe" with the run ID and then receives "progress" and
// "done" events for that run.
func (s *Server) SetupSocket(server *socketio.Server) {
	server.OnEvent("/", "subscribe", func(c socketio.Conn, runID string) {
		c.Join(runID)
	})
	s.mu.Lock()
	s.sockets = server
	s.mu.Unlock()
}

func (s *Server) broadcast(runID string, event string, msg interface{}) {
	s.mu.Lock()
	server := s.sockets
	s.mu.Unlock()
	if server == nil {
		return
	}
	server.BroadcastToRoom("/", runID, event, msg)
}

// Wait blocks until every background run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close cancels background runs and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
