// Package server is the reference detector/matcher relay. It speaks the client
// event protocol over WebSocket, hands image work to the Python worker pool,
// and keeps iris templates in PostgreSQL.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/irisgate/internal/auth"
	"github.com/andresmejia3/irisgate/internal/types"
	"github.com/andresmejia3/irisgate/internal/worker"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// DefaultIdentity is used when a request names no identity.
const DefaultIdentity = "default"

const (
	defaultThreshold          = 0.85
	defaultMaxPayloadBytes    = 8 * 1024 * 1024
	defaultMaxFramesPerSecond = 30
	defaultMaxDecodeErrors    = 5
)

// Analyzer runs detection and feature extraction on a JPEG frame.
type Analyzer interface {
	Detect(ctx context.Context, image []byte) (types.DetectionResult, error)
	Extract(ctx context.Context, image []byte) ([]float64, error)
}

// TemplateStore holds enrolled iris templates.
type TemplateStore interface {
	UpsertTemplate(ctx context.Context, identity string, vec []float64) error
	HasTemplate(ctx context.Context, identity string) (bool, error)
	Similarity(ctx context.Context, identity string, vec []float64) (float64, bool, error)
	RecordAttempt(ctx context.Context, identity string, similarity float64, authenticated bool) error
	CountTemplates(ctx context.Context) (int, error)
	DeleteTemplate(ctx context.Context, identity string) (bool, error)
}

// Signer issues the credential returned on a successful match.
type Signer interface {
	Sign(username string, roles []string) (string, error)
}

// Options tunes the relay.
type Options struct {
	Threshold          float64
	MaxPayloadBytes    int
	MaxFramesPerSecond int
	MaxDecodeErrors    int
	Logger             *slog.Logger
}

// Server relays client requests to the analyzer and template store.
type Server struct {
	analyzer  Analyzer
	templates TemplateStore
	signer    Signer
	opts      Options
	log       *slog.Logger
}

// New builds a Server. Zero options take their defaults.
func New(analyzer Analyzer, templates TemplateStore, signer Signer, opts Options) *Server {
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if opts.MaxFramesPerSecond <= 0 {
		opts.MaxFramesPerSecond = defaultMaxFramesPerSecond
	}
	if opts.MaxDecodeErrors <= 0 {
		opts.MaxDecodeErrors = defaultMaxDecodeErrors
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		analyzer:  analyzer,
		templates: templates,
		signer:    signer,
		opts:      opts,
		log:       opts.Logger,
	}
}

// Handler returns the HTTP routes: /ws, /health and the /api/v1/iris API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/iris/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/iris/enroll", s.handleEnroll)
	mux.HandleFunc("POST /api/v1/iris/authenticate", s.handleAuthenticate)
	mux.HandleFunc("DELETE /api/v1/iris/users/{identity}", s.handleDelete)

	wsHandler := websocket.Handler(s.handleConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	enrolled, err := s.templates.CountTemplates(r.Context())
	status := "healthy"
	if err != nil {
		s.log.Warn("health: count templates", "error", err)
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"service":        "irisgate",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"enrolled_users": enrolled,
		"threshold":      s.opts.Threshold,
	})
}

// handleStatus reports the matcher configuration and whether the template
// store answered.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	enrolled, err := s.templates.CountTemplates(r.Context())
	if err != nil {
		s.log.Warn("status: count templates", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enrolled_users":           enrolled,
		"threshold":                s.opts.Threshold,
		"features_store_available": err == nil,
	})
}

// imageRequest is the body of the HTTP enroll and authenticate routes.
type imageRequest struct {
	Image  *string `json:"image"`
	UserID string  `json:"user_id"`
}

type enrollReply struct {
	types.EnrollOutcome
	UserID string `json:"user_id,omitempty"`
}

type authReply struct {
	types.AuthOutcome
	UserID string `json:"user_id,omitempty"`
}

// readImageRequest decodes the body. A missing image is reported as ok=false;
// an undecodable one yields a nil image so the caller reports it in order.
func (s *Server) readImageRequest(w http.ResponseWriter, r *http.Request) (identity string, img []byte, ok bool) {
	var req imageRequest
	body := http.MaxBytesReader(w, r.Body, int64(s.opts.MaxPayloadBytes))
	if err := json.NewDecoder(body).Decode(&req); err != nil || req.Image == nil {
		return "", nil, false
	}
	img, err := decodeImage(*req.Image)
	if err != nil {
		img = nil
	}
	return identityOr(req.UserID), img, true
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("route", "enroll")
	identity, img, ok := s.readImageRequest(w, r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, types.EnrollOutcome{Error: "No image provided"})
		return
	}
	out, code := s.enrollImage(r.Context(), log, identity, img)
	reply := enrollReply{EnrollOutcome: out}
	if out.Success {
		reply.UserID = identity
	}
	writeJSON(w, code, reply)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("route", "authenticate")
	identity, img, ok := s.readImageRequest(w, r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, types.AuthOutcome{Authenticated: types.Bool(false), Error: "No image provided"})
		return
	}
	out, code := s.authenticateImage(r.Context(), log, identity, img)
	reply := authReply{AuthOutcome: out}
	if out.Similarity != nil {
		reply.UserID = identity
	}
	writeJSON(w, code, reply)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	deleted, err := s.templates.DeleteTemplate(r.Context(), identity)
	switch {
	case err != nil:
		s.log.Error("delete template", "identity", identity, "error", err)
		writeJSON(w, http.StatusInternalServerError, types.ErrorResult{Error: "failed to delete user"})
	case !deleted:
		writeJSON(w, http.StatusNotFound, types.ErrorResult{Error: "User not found"})
	default:
		s.log.Info("template deleted", "identity", identity)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "User " + identity + " deleted"})
	}
}

// peer serializes writes to one socket.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *peer) send(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(types.Frame{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return websocket.Message.Send(p.conn, string(data))
}

func (s *Server) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = s.opts.MaxPayloadBytes

	log := s.log.With("conn", uuid.NewString())
	ctx := conn.Request().Context()
	p := &peer{conn: conn}
	log.Info("client connected", "remote", conn.Request().RemoteAddr)
	defer log.Info("client disconnected")

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				log.Warn("payload too large")
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Debug("read failed", "error", err)
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Type == "" {
			decodeErrors++
			log.Warn("invalid frame", "count", decodeErrors)
			if decodeErrors >= s.opts.MaxDecodeErrors {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > s.opts.MaxFramesPerSecond {
			log.Warn("rate limit exceeded")
			return
		}

		if err := s.dispatch(ctx, log, p, frame); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, log *slog.Logger, p *peer, frame types.Frame) error {
	switch frame.Type {
	case types.EventDetectEye:
		return p.send(types.EventEyePosition, s.detect(ctx, log, frame.Payload))
	case types.EventCheckEnrollment:
		return p.send(types.EventEnrollmentStatus, s.checkEnrollment(ctx, log, frame.Payload))
	case types.EventIrisEnroll:
		return p.send(types.EventEnrollResult, s.enroll(ctx, log, frame.Payload))
	case types.EventIrisFrame:
		return p.send(types.EventIrisResult, s.authenticate(ctx, log, frame.Payload))
	default:
		log.Warn("unsupported frame type", "type", frame.Type)
		return nil
	}
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

func (s *Server) detect(ctx context.Context, log *slog.Logger, payload json.RawMessage) types.DetectionResult {
	var b64 string
	if err := json.Unmarshal(payload, &b64); err != nil {
		return types.DetectionResult{Error: "Invalid image"}
	}
	img, err := decodeImage(b64)
	if err != nil {
		return types.DetectionResult{Error: "Invalid image"}
	}
	res, err := s.analyzer.Detect(ctx, img)
	if err != nil {
		log.Error("eye detection failed", "error", err)
		return types.DetectionResult{Error: err.Error()}
	}
	return res
}

func (s *Server) checkEnrollment(ctx context.Context, log *slog.Logger, payload json.RawMessage) types.EnrollmentStatus {
	var q types.EnrollmentQuery
	if err := json.Unmarshal(payload, &q); err != nil {
		log.Debug("invalid check-enrollment payload", "error", err)
		return types.EnrollmentStatus{}
	}
	identity := identityOr(q.Identity)
	enrolled, err := s.templates.HasTemplate(ctx, identity)
	if err != nil {
		log.Error("enrollment lookup failed", "identity", identity, "error", err)
	}
	return types.EnrollmentStatus{Enrolled: enrolled}
}

func (s *Server) enroll(ctx context.Context, log *slog.Logger, payload json.RawMessage) types.EnrollOutcome {
	var req types.TerminalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return types.EnrollOutcome{Error: "Invalid image data"}
	}
	out, _ := s.enrollImage(ctx, log, identityOr(req.Identity), req.Image)
	return out
}

// enrollImage extracts and stores a template. The status code is the HTTP
// equivalent of the outcome.
func (s *Server) enrollImage(ctx context.Context, log *slog.Logger, identity string, img []byte) (types.EnrollOutcome, int) {
	if len(img) == 0 {
		return types.EnrollOutcome{Error: "Invalid image data"}, http.StatusBadRequest
	}

	vec, err := s.analyzer.Extract(ctx, img)
	if errors.Is(err, worker.ErrNoEye) {
		return types.EnrollOutcome{Error: "No eye detected. Please position your eye correctly."}, http.StatusBadRequest
	}
	if err != nil {
		log.Error("feature extraction failed", "identity", identity, "error", err)
		return types.EnrollOutcome{Error: err.Error()}, http.StatusInternalServerError
	}
	if err := s.templates.UpsertTemplate(ctx, identity, vec); err != nil {
		log.Error("store template failed", "identity", identity, "error", err)
		return types.EnrollOutcome{Error: "Failed to store iris template"}, http.StatusInternalServerError
	}
	log.Info("identity enrolled", "identity", identity)
	return types.EnrollOutcome{Success: true, Message: "Iris enrolled successfully!"}, http.StatusOK
}

func (s *Server) authenticate(ctx context.Context, log *slog.Logger, payload json.RawMessage) types.AuthOutcome {
	var req types.TerminalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return types.AuthOutcome{Authenticated: types.Bool(false), Error: "Invalid image data"}
	}
	out, _ := s.authenticateImage(ctx, log, identityOr(req.Identity), req.Image)
	return out
}

// authenticateImage compares img against the template of identity and signs
// a credential on a match. A mismatch is a 200 with authenticated=false.
func (s *Server) authenticateImage(ctx context.Context, log *slog.Logger, identity string, img []byte) (types.AuthOutcome, int) {
	fail := func(code int, msg string) (types.AuthOutcome, int) {
		return types.AuthOutcome{Authenticated: types.Bool(false), Error: msg}, code
	}

	enrolled, err := s.templates.HasTemplate(ctx, identity)
	if err != nil {
		log.Error("enrollment lookup failed", "identity", identity, "error", err)
		return fail(http.StatusInternalServerError, "Template store unavailable")
	}
	if !enrolled {
		return fail(http.StatusBadRequest, "No iris enrolled for user: "+identity)
	}
	if len(img) == 0 {
		return fail(http.StatusBadRequest, "Invalid image data")
	}

	vec, err := s.analyzer.Extract(ctx, img)
	if errors.Is(err, worker.ErrNoEye) {
		return fail(http.StatusBadRequest, "No eye detected. Please position your eye correctly.")
	}
	if err != nil {
		log.Error("feature extraction failed", "identity", identity, "error", err)
		return fail(http.StatusInternalServerError, err.Error())
	}

	sim, ok, err := s.templates.Similarity(ctx, identity, vec)
	if err != nil {
		log.Error("similarity lookup failed", "identity", identity, "error", err)
		return fail(http.StatusInternalServerError, "Template store unavailable")
	}
	if !ok {
		// Revoked between the lookup and the comparison.
		return fail(http.StatusBadRequest, "No iris enrolled for user: "+identity)
	}
	authenticated := sim >= s.opts.Threshold
	if err := s.templates.RecordAttempt(ctx, identity, sim, authenticated); err != nil {
		log.Warn("record attempt failed", "identity", identity, "error", err)
	}
	log.Info("authentication attempt", "identity", identity, "authenticated", authenticated, "similarity", sim)

	out := types.AuthOutcome{
		Authenticated: types.Bool(authenticated),
		Similarity:    types.Float64(sim),
		Threshold:     types.Float64(s.opts.Threshold),
		Username:      identity,
	}
	if authenticated {
		tok, err := s.signer.Sign(identity, auth.DefaultRoles)
		if err != nil {
			log.Error("credential signing failed", "identity", identity, "error", err)
			return out, http.StatusOK
		}
		out.Token = tok
	}
	return out, http.StatusOK
}

func identityOr(identity string) string {
	if id := strings.TrimSpace(identity); id != "" {
		return id
	}
	return DefaultIdentity
}
