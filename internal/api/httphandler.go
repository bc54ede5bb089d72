package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"wagate/internal/session"
	"wagate/internal/types"
)

const (
	apiPrefix = "/api/v1"

	maxJSONBody   = 1 << 20
	maxUploadBody = 16 << 20
)

type Handler struct {
	Manager *session.Manager
	Gateway *session.Gateway
	APIKey  string
}

func NewHandler(m *session.Manager, g *session.Gateway, apiKey string) *Handler {
	return &Handler{Manager: m, Gateway: g, APIKey: apiKey}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	api := http.NewServeMux()
	api.HandleFunc("GET "+apiPrefix+"/devices", h.handleListDevices)
	api.HandleFunc("POST "+apiPrefix+"/devices", h.handleCreateDevice)
	api.HandleFunc("GET "+apiPrefix+"/devices/{id}", h.handleGetDevice)
	api.HandleFunc("DELETE "+apiPrefix+"/devices/{id}", h.handleDeleteDevice)
	api.HandleFunc("POST "+apiPrefix+"/devices/{id}/initialize", h.handleInitialize)
	api.HandleFunc("GET "+apiPrefix+"/devices/{id}/qr-code", h.handleQRCode)
	api.HandleFunc("POST "+apiPrefix+"/devices/qr-code", h.handleQRCode)
	api.HandleFunc("POST "+apiPrefix+"/devices/send-message", h.handleSendMessage)
	api.HandleFunc("POST "+apiPrefix+"/devices/send-media", h.handleSendMedia)
	api.HandleFunc("POST "+apiPrefix+"/devices/chats", h.handleChats)
	mux.Handle(apiPrefix+"/", h.requireAPIKey(api))
	return mux
}

// requireAPIKey rejects requests without the configured x-api-key. An empty key disables the check.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	if h.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(types.APIKeyHdrName)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.APIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f types.DeviceFilter
	var err error
	if v := q.Get("page"); v != "" {
		if f.Page, err = strconv.Atoi(v); err != nil || f.Page < 1 {
			writeError(w, types.Err(types.ErrInvalidRequest, nil, "page must be a positive integer"))
			return
		}
	}
	// limit and ready are accepted as aliases of pageSize and status.
	if v := firstOf(q, "pageSize", "limit"); v != "" {
		if f.PageSize, err = strconv.Atoi(v); err != nil || f.PageSize < 1 {
			writeError(w, types.Err(types.ErrInvalidRequest, nil, "pageSize must be a positive integer"))
			return
		}
	}
	if v := firstOf(q, "status", "ready"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, types.Err(types.ErrInvalidRequest, nil, "status must be true or false"))
			return
		}
		f.Ready = &b
	}
	f.Name = q.Get("name")

	page, err := h.Manager.ListDevices(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func firstOf(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	dev, err := h.Manager.CreateDevice(r.Context(), req.Name)
	if err != nil && dev.ID == "" {
		writeError(w, err)
		return
	}
	resp := map[string]any{"data": dev}
	if err != nil {
		log.WithError(err).WithField("deviceID", dev.ID).Warn("device created but initialization failed")
		resp["initialize_error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, err := h.Manager.GetDevice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Manager.RemoveDevice(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "device_id": id})
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	hd, err := h.Manager.Initialize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device_id": hd.ID(), "state": hd.State().String()})
}

func (h *Handler) handleQRCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		var req struct {
			DeviceID string `json:"deviceId"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		id = req.DeviceID
	}
	if id == "" {
		writeError(w, types.Err(types.ErrInvalidRequest, nil, "deviceId is required"))
		return
	}
	png, err := h.Manager.PairingImage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// targets accepts either a single string or an array of strings.
type targets []string

func (t *targets) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = targets{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("target must be a string or an array of strings")
	}
	*t = many
	return nil
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string  `json:"deviceId"`
		Target   targets `json:"target"`
		Message  string  `json:"message"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, types.Err(types.ErrInvalidRequest, nil, "deviceId is required"))
		return
	}
	if err := h.Gateway.SendText(r.Context(), req.DeviceID, req.Target, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "sent": len(req.Target)})
}

func (h *Handler) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadBody); err != nil {
		writeError(w, types.Err(types.ErrInvalidRequest, err, "invalid multipart form"))
		return
	}
	deviceID := r.FormValue("deviceId")
	if deviceID == "" {
		writeError(w, types.Err(types.ErrInvalidRequest, nil, "deviceId is required"))
		return
	}
	var to []string
	for _, v := range r.MultipartForm.Value["target"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				to = append(to, t)
			}
		}
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, types.Err(types.ErrInvalidRequest, nil, "no file uploaded"))
		return
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, types.Err(types.ErrInvalidRequest, err, "read upload"))
		return
	}
	mime := hdr.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	media := types.Media{MimeType: mime, Filename: filepath.Base(hdr.Filename), Data: data}
	if err := h.Gateway.SendMedia(r.Context(), deviceID, to, media, r.FormValue("caption")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "sent": len(to)})
}

func (h *Handler) handleChats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, types.Err(types.ErrInvalidRequest, nil, "deviceId is required"))
		return
	}
	chats, err := h.Gateway.ListGroupChats(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": chats})
}

// readJSON decodes the request body into v, answering 400 itself on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		writeError(w, types.Err(types.ErrInvalidRequest, err, "read error"))
		return false
	}
	if len(body) == 0 {
		writeError(w, types.Err(types.ErrInvalidRequest, nil, "empty body"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, types.Err(types.ErrInvalidRequest, err, "invalid json"))
		return false
	}
	return true
}

type failedTarget struct {
	Target string `json:"target"`
	Error  string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var notReady *types.NotReadyError
	var partial *types.PartialDispatchError
	switch {
	case errors.As(err, &notReady):
		code := http.StatusConflict
		if notReady.State == types.StateUninitialized {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]any{"error": notReady.Error(), "state": notReady.State.String()})
	case errors.As(err, &partial):
		failed := make([]failedTarget, 0, len(partial.Failed))
		for _, f := range partial.Failed {
			failed = append(failed, failedTarget{Target: f.Target, Error: f.Message()})
		}
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  types.ErrPartialDispatch.Error(),
			"sent":   partial.Total - len(partial.Failed),
			"failed": failed,
		})
	case errors.Is(err, types.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": message(err)})
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": message(err)})
	default:
		log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": message(err)})
	}
}

// message flattens a joined error onto one line.
func message(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", ": ")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}
