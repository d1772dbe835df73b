package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/Tutortoise/detection-service/detections"
	"github.com/Tutortoise/detection-service/logger"
	"github.com/Tutortoise/detection-service/metrics"
	"github.com/Tutortoise/detection-service/models"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Server struct {
	engine         *detections.Engine
	metrics        *metrics.Metrics
	maxUploadBytes int64
	// privilegedClass is the configured anomaly class id, -1 when unset.
	privilegedClass int
}

func NewServer(engine *detections.Engine, m *metrics.Metrics, maxUploadBytes int64, privilegedClass int) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &Server{
		engine:          engine,
		metrics:         m,
		maxUploadBytes:  maxUploadBytes,
		privilegedClass: privilegedClass,
	}
}

type DetectResponse struct {
	RequestID string                  `json:"request_id"`
	Result    *models.DetectionResult `json:"result"`
	Warnings  []string                `json:"warnings,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/model/load", s.handleLoadModel).Methods("POST")
	r.HandleFunc("/model/info", s.handleModelInfo).Methods("GET")
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/classes", s.handleClasses).Methods("GET")
	r.HandleFunc("/classes/enabled", s.handleSetEnabled).Methods("PUT")
	r.HandleFunc("/thresholds", s.handleThresholds).Methods("GET")
	r.HandleFunc("/thresholds", s.handleUpdateThresholds).Methods("PUT")
	r.HandleFunc("/config/reset", s.handleResetConfig).Methods("POST")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/stats", s.handleResetStats).Methods("DELETE")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	return r
}

func logTimings(t *models.ProcessingTimings) {
	logger.Logger.Debugw("Processing times",
		"request_id", t.RequestID,
		"image_decode", t.ImageDecode,
		"resize", t.Resize,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"nms", t.NMS,
		"total", t.Total,
		"cache_hit", t.CacheHit)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	timings := &models.ProcessingTimings{RequestID: requestID}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	imgBytes, err := readImage(r, s.maxUploadBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.observeError("payload_too_large")
			sendErrorResponse(w, "payload_too_large",
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		s.observeError("invalid_request")
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.engine.DetectTimed(imgBytes, timings)
	if err != nil {
		code, status := classifyError(err)
		s.observeError(code)
		logger.Logger.Warnw("Detect failed", "request_id", requestID, "error", err)
		sendError(w, code, status, err)
		return
	}
	logTimings(timings)
	if s.metrics != nil {
		s.metrics.ObserveResult(result)
	}

	resp := DetectResponse{RequestID: requestID, Result: result}
	if len(result.Detections) == 0 {
		resp.Message = MsgNoDetections
	}
	if id := s.anomalyClass(); id >= 0 {
		count, name := 0, ""
		for _, d := range result.Detections {
			if d.ClassID == uint32(id) {
				count++
				name = d.ClassName
			}
		}
		if count > 0 {
			resp.Warnings = append(resp.Warnings, anomalyWarning(count, name))
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

// anomalyClass is the configured privileged class, or the first class of the
// built-in catalog.
func (s *Server) anomalyClass() int {
	if s.privilegedClass >= 0 {
		return s.privilegedClass
	}
	if s.engine.ModelInfo().CatalogSource == "builtin" {
		return 0
	}
	return -1
}

func (s *Server) observeError(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveError(outcome)
	}
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		sendErrorResponse(w, "invalid_request", "body must be {\"path\": \"...\"}", http.StatusBadRequest)
		return
	}

	start := time.Now()
	if err := s.engine.LoadModel(req.Path); err != nil {
		code, status := classifyError(err)
		sendError(w, code, status, err)
		return
	}
	logger.Logger.Infow("Model loaded via API", "path", req.Path, "elapsed", time.Since(start))
	sendJSON(w, http.StatusOK, s.engine.ModelInfo())
}

func (s *Server) handleModelInfo(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.engine.ModelInfo())
}

func (s *Server) handleClasses(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.engine.Classes())
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uint32 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetEnabledClasses(req.IDs); err != nil {
		code, status := classifyError(err)
		sendError(w, code, status, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"enabled": s.engine.EnabledClasses()})
}

func (s *Server) handleThresholds(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{"thresholds": s.engine.Thresholds()})
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Thresholds map[string]float32 `json:"thresholds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.UpdateThresholds(req.Thresholds); err != nil {
		code, status := classifyError(err)
		sendError(w, code, status, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"thresholds": s.engine.Thresholds()})
}

func (s *Server) handleResetConfig(w http.ResponseWriter, _ *http.Request) {
	s.engine.ResetConfiguration()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"thresholds": s.engine.Thresholds(),
		"enabled":    s.engine.EnabledClasses(),
	})
}

type statsResponse struct {
	models.ModelStats
	CacheHitRate float64 `json:"cache_hit_rate"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	sendJSON(w, http.StatusOK, statsResponse{ModelStats: stats, CacheHitRate: stats.CacheHitRate()})
}

func (s *Server) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	s.engine.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// readImage accepts a raw body, JSON {"image": base64} or a multipart "file".
func readImage(r *http.Request, maxBytes int64) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r, maxBytes)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Wrap(err, "decode json body")
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64 image")
	}
	return data, nil
}

func handleMultipartRequest(r *http.Request, maxBytes int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, errors.Wrap(err, "parse multipart form")
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.Wrap(err, "multipart field \"file\"")
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return data, nil
}

func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, detections.ErrDecode):
		return "invalid_image", http.StatusBadRequest
	case errors.Is(err, detections.ErrInvalidThreshold):
		return "invalid_threshold", http.StatusBadRequest
	case errors.Is(err, detections.ErrNotInitialized):
		return "model_not_loaded", http.StatusConflict
	case errors.Is(err, detections.ErrUnknownClass):
		return "unknown_class", http.StatusNotFound
	case errors.Is(err, detections.ErrModelLoad):
		return "model_load_failed", http.StatusUnprocessableEntity
	case errors.Is(err, detections.ErrInference):
		return "inference_failed", http.StatusInternalServerError
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

func sendError(w http.ResponseWriter, code string, status int, err error) {
	message := err.Error()
	if code == "model_not_loaded" {
		message = MsgModelNotLoaded
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		Details: errors.UnwrapAll(err).Error(),
	})
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Warnw("Encode response failed", "error", err)
	}
}
