// Package httpapi is the thin net/http adapter spec.md §1 calls out as an
// external collaborator: it translates the JSON control-surface routes of
// spec.md §6 into adbc/manager calls, using internal/android.QuoteShell to
// build shell commands so no request field ever reaches the shell
// unescaped.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fenwicklabs/adbpilot/adbc/errs"
	"github.com/fenwicklabs/adbpilot/adbc/manager"
	"github.com/fenwicklabs/adbpilot/internal/android"
)

// Server wires a *manager.SessionManager to the HTTP routes of spec.md §6.
type Server struct {
	mgr *manager.SessionManager
	log *slog.Logger
	mux *http.ServeMux
}

// New constructs a Server. log defaults to slog.Default() if nil.
func New(mgr *manager.SessionManager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{mgr: mgr, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/health", s.handleHealth)
	s.mux.HandleFunc("/v1/system/info", s.handleSystemInfo)
	s.mux.HandleFunc("/v1/control/click", s.handleClick)
	s.mux.HandleFunc("/v1/control/swipe", s.handleSwipe)
	s.mux.HandleFunc("/v1/control/input", s.handleInput)
	s.mux.HandleFunc("/v1/ui/xml", s.handleUIXML)
	s.mux.HandleFunc("/v1/ui/screenshot", s.handleScreenshot)
}

// envelope is the response shape for every non-stream route: spec.md §6's
// {code:int, message:string, data:object?} on both success (code 0) and
// failure.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: 0, Message: "ok", Data: data})
}

// validationError carries one of spec.md §8's specific 400xx codes, e.g.
// 40002 for negative coordinates or 40035 for an invalid enterAction. It
// wraps errs.ErrValidation so callers that only have the error (not this
// concrete type) can still classify it with errors.Is, matching every
// other failure kind this codebase routes through adbc/errs.
type validationError struct {
	code    int
	message string
	err     error
}

func newValidationError(code int, message string) *validationError {
	return &validationError{code: code, message: message, err: errs.ValidationErrorf("%s", message)}
}

func (e *validationError) Error() string { return e.message }
func (e *validationError) Unwrap() error { return e.err }

func writeValidationError(w http.ResponseWriter, verr *validationError) {
	writeJSON(w, http.StatusBadRequest, envelope{Code: verr.code, Message: verr.message})
}

// writeUpstreamError maps an adbc/errs sentinel kind to spec.md §6/§7's
// HTTP status and code family: 503 for upstream ADB/device failures, 500
// for a malformed-output shape the core itself can't classify.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	status, code, msg := classifyError(err)
	s.log.Error("adb operation failed", "error", err, "code", code)
	writeJSON(w, status, envelope{Code: code, Message: msg})
}

func classifyError(err error) (status, code int, message string) {
	switch {
	case errors.Is(err, errs.ErrNoActiveSession):
		return http.StatusServiceUnavailable, 50001, "no active adb session"
	case errors.Is(err, errs.ErrBusy):
		return http.StatusServiceUnavailable, 50002, "adb session busy"
	case errors.Is(err, errs.ErrTimeout):
		return http.StatusServiceUnavailable, 50003, "adb operation timed out"
	case errors.Is(err, errs.ErrNetwork):
		return http.StatusServiceUnavailable, 50004, "adb transport error"
	case errors.Is(err, errs.ErrProtocol):
		return http.StatusServiceUnavailable, 50005, "adb protocol error"
	case errors.Is(err, errs.ErrSyncFailed):
		return http.StatusServiceUnavailable, 50006, "device rejected file pull"
	default:
		return http.StatusInternalServerError, 50000, fmt.Sprintf("unexpected error: %v", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// --- /v1/health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "up"})
}

// --- /v1/system/info ---

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.mgr.Connected() {
		writeOK(w, map[string]any{
			"adbConnected": false,
		})
		return
	}

	size, err := s.fetchDisplaySize(ctx)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}

	writeOK(w, map[string]any{
		"adbConnected": true,
		"display": map[string]int{
			"width":  size.width,
			"height": size.height,
		},
		"clickRange": map[string]int{
			"maxX": size.width - 1,
			"maxY": size.height - 1,
		},
	})
}

type displaySize struct{ width, height int }

// fetchDisplaySize runs "wm size" and parses its "Physical size: WxH" line.
func (s *Server) fetchDisplaySize(ctx context.Context) (displaySize, error) {
	out, err := s.mgr.ExecuteShell(ctx, "wm size")
	if err != nil {
		return displaySize{}, err
	}
	_, dims, ok := strings.Cut(out, ": ")
	if !ok {
		return displaySize{}, errs.ProtocolErrorf("unexpected wm size output %q", out)
	}
	w, h, ok := strings.Cut(strings.TrimSpace(dims), "x")
	if !ok {
		return displaySize{}, errs.ProtocolErrorf("unexpected wm size output %q", out)
	}
	width, err1 := parseNonNegativeInt(w)
	height, err2 := parseNonNegativeInt(h)
	if err1 != nil || err2 != nil {
		return displaySize{}, errs.ProtocolErrorf("unexpected wm size output %q", out)
	}
	return displaySize{width: width, height: height}, nil
}

func parseNonNegativeInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit: %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// --- /v1/control/click ---

type clickRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, newValidationError(40001, "malformed request body"))
		return
	}
	if req.X < 0 || req.Y < 0 {
		writeValidationError(w, newValidationError(40002, "x and y must be non-negative"))
		return
	}

	cmd := android.QuoteShell("input", "tap", strconv.Itoa(req.X), strconv.Itoa(req.Y))
	if _, err := s.mgr.ExecuteShell(r.Context(), cmd); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeOK(w, map[string]string{"command": fmt.Sprintf("input tap %d %d", req.X, req.Y)})
}

// --- /v1/control/swipe ---

type swipeRequest struct {
	StartX     int `json:"startX"`
	StartY     int `json:"startY"`
	EndX       int `json:"endX"`
	EndY       int `json:"endY"`
	DurationMs int `json:"durationMs"`
}

func (s *Server) handleSwipe(w http.ResponseWriter, r *http.Request) {
	var req swipeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, newValidationError(40001, "malformed request body"))
		return
	}
	if req.StartX < 0 || req.StartY < 0 || req.EndX < 0 || req.EndY < 0 {
		writeValidationError(w, newValidationError(40002, "coordinates must be non-negative"))
		return
	}

	duration := req.DurationMs
	if duration < 1 {
		duration = 1
	}
	if duration > 60000 {
		duration = 60000
	}

	cmd := android.QuoteShell("input", "swipe",
		strconv.Itoa(req.StartX), strconv.Itoa(req.StartY), strconv.Itoa(req.EndX), strconv.Itoa(req.EndY), strconv.Itoa(duration))
	if _, err := s.mgr.ExecuteShell(r.Context(), cmd); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeOK(w, map[string]string{
		"command": fmt.Sprintf("input swipe %d %d %d %d %d", req.StartX, req.StartY, req.EndX, req.EndY, duration),
	})
}

// --- /v1/control/input ---

var validEnterActions = map[string]struct{}{
	"auto": {}, "search": {}, "send": {}, "done": {}, "go": {}, "next": {}, "enter": {}, "none": {},
}

type inputRequest struct {
	Text        string `json:"text"`
	PressEnter  bool   `json:"pressEnter"`
	EnterAction string `json:"enterAction"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, newValidationError(40001, "malformed request body"))
		return
	}
	if req.Text == "" || len([]rune(req.Text)) > 4096 {
		writeValidationError(w, newValidationError(40032, "text must be 1..4096 characters"))
		return
	}
	if req.EnterAction != "" {
		if _, ok := validEnterActions[req.EnterAction]; !ok {
			writeValidationError(w, newValidationError(40035, "invalid enterAction"))
			return
		}
	}

	cmd := android.QuoteShell("input", "text", req.Text)
	if _, err := s.mgr.ExecuteShell(r.Context(), cmd); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if req.PressEnter {
		if _, err := s.mgr.ExecuteShell(r.Context(), android.QuoteShell("input", "keyevent", "66")); err != nil {
			s.writeUpstreamError(w, err)
			return
		}
	}
	writeOK(w, map[string]string{"command": cmd})
}

// --- /v1/ui/xml ---

// uiautomatorDumpPath is where "uiautomator dump" writes its output on a
// standard device image; the handler pulls it back over sync: rather than
// reading the shell's own stdout, since older uiautomator builds print
// a status line to stdout instead of the XML itself.
const uiautomatorDumpPath = "/sdcard/window_dump.xml"

func (s *Server) handleUIXML(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.mgr.ExecuteShell(ctx, "uiautomator dump "+uiautomatorDumpPath); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	xml, err := s.mgr.PullFileText(ctx, uiautomatorDumpPath)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if !strings.Contains(xml, "<hierarchy") {
		writeJSON(w, http.StatusInternalServerError, envelope{
			Code: 50010, Message: "uiautomator produced no XML marker",
			Data: map[string]string{"output": truncate(xml, 256)},
		})
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml))
}

// --- /v1/ui/screenshot ---

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	png, err := s.mgr.ExecuteExecRaw(r.Context(), "screencap -p")
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		writeJSON(w, http.StatusInternalServerError, envelope{
			Code: 50011, Message: "screencap produced no PNG marker",
		})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

