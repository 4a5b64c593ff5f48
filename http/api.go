// Package http exposes the pipeline control API. It reports module state
// and forwards runtime encoder controls (key frame requests, bitrate
// changes) into a running pipeline.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

// PipelineService reports the modules of the running pipeline.
type PipelineService interface {
	ModuleInfos() []ModuleInfo
	Drops() uint64
}

// EncoderService forwards runtime controls to the encoder stage.
type EncoderService interface {
	RequestKeyFrame() error
	SetBitrate(kbps uint32) error
	SetFrameRate(fps uint32) error
}

// ModuleInfo is the wire representation of one module.
type ModuleInfo struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

type API struct {
	logger   *slog.Logger
	pipeline PipelineService
	encoder  EncoderService
}

func NewAPI(pipeline PipelineService, encoder EncoderService) *API {
	return &API{
		logger:   slog.Default(),
		pipeline: pipeline,
		encoder:  encoder,
	}
}

func (a *API) RegisterRoutes(mux *httprouter.Router) {
	mux.HandlerFunc("GET", "/api/v1/modules", a.ListModules)
	mux.HandlerFunc("GET", "/api/v1/stats", a.Stats)
	mux.HandlerFunc("POST", "/api/v1/keyframe", a.RequestKeyFrame)
	mux.HandlerFunc("POST", "/api/v1/bitrate", a.SetBitrate)
	mux.HandlerFunc("POST", "/api/v1/framerate", a.SetFrameRate)
}

func (a *API) ListModules(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.pipeline.ModuleInfos())
}

func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, map[string]uint64{"drops": a.pipeline.Drops()})
}

func (a *API) RequestKeyFrame(w http.ResponseWriter, r *http.Request) {
	if a.encoder == nil {
		http.Error(w, "no encoder", http.StatusNotFound)
		return
	}
	if err := a.encoder.RequestKeyFrame(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) SetBitrate(w http.ResponseWriter, r *http.Request) {
	a.setUint(w, r, "kbps", func(v uint32) error {
		return a.encoder.SetBitrate(v)
	})
}

func (a *API) SetFrameRate(w http.ResponseWriter, r *http.Request) {
	a.setUint(w, r, "fps", func(v uint32) error {
		return a.encoder.SetFrameRate(v)
	})
}

func (a *API) setUint(w http.ResponseWriter, r *http.Request, param string, apply func(uint32) error) {
	if a.encoder == nil {
		http.Error(w, "no encoder", http.StatusNotFound)
		return
	}
	v, err := strconv.ParseUint(r.URL.Query().Get(param), 10, 32)
	if err != nil || v == 0 {
		http.Error(w, "missing or invalid "+param, http.StatusBadRequest)
		return
	}
	if err := apply(uint32(v)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("response encoding failed", "error", err)
	}
}
