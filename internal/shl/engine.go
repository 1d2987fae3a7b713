package shl

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/storage"
)

// Request is the protocol-level shape of an incoming HTTP request. Any HTTP
// stack can translate to it; the engine itself binds to none.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header map[string]string
}

// Response is the protocol-level shape of the engine's answer.
type Response struct {
	Status int
	Header map[string]string
	Body   []byte
}

// CORSConfig controls the CORS headers attached to every response.
type CORSConfig struct {
	Disabled     bool
	AllowOrigin  string // default "*"
	AllowMethods string // default "GET, POST, OPTIONS"
	AllowHeaders string // default "Content-Type, Authorization"
}

// MetricsRecorder receives per-request outcome counts. Optional; a nil
// recorder disables counting.
type MetricsRecorder interface {
	ManifestAccess(outcome string)
	CiphertextServed(kind string)
}

// EngineConfig wires an Engine to its collaborators.
type EngineConfig struct {
	Store storage.ServerStore

	// OnAccess, when set, receives an AccessEvent after each successful
	// manifest access on a fire-and-forget goroutine. Panics are logged
	// and swallowed; delivery never gates the response.
	OnAccess func(AccessEvent)

	Metrics MetricsRecorder

	CORS   CORSConfig
	Logger zerolog.Logger

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Engine is the server-side access-control state machine. It holds no
// per-request state; all shared state lives behind the store, so one engine
// serves arbitrarily many concurrent requests.
type Engine struct {
	store    storage.ServerStore
	onAccess func(AccessEvent)
	metrics  MetricsRecorder
	cors     CORSConfig
	log      zerolog.Logger
	now      func() time.Time
}

// NewEngine builds an Engine, filling in CORS and clock defaults.
func NewEngine(cfg EngineConfig) *Engine {
	cors := cfg.CORS
	if cors.AllowOrigin == "" {
		cors.AllowOrigin = "*"
	}
	if cors.AllowMethods == "" {
		cors.AllowMethods = "GET, POST, OPTIONS"
	}
	if cors.AllowHeaders == "" {
		cors.AllowHeaders = "Content-Type, Authorization"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    cfg.Store,
		onAccess: cfg.OnAccess,
		metrics:  cfg.Metrics,
		cors:     cors,
		log:      cfg.Logger,
		now:      now,
	}
}

// Denial reasons carried through the storage Decision.
const (
	reasonExpired   = "expired"
	reasonExhausted = "exhausted"
	reasonPasscode  = "passcode"
)

var attachmentIndexPattern = regexp.MustCompile(`^\d+$`)

// Handle routes one request through the SHL protocol state machine.
func (e *Engine) Handle(ctx context.Context, req Request) Response {
	if req.Method == "OPTIONS" {
		return e.respond(Response{Status: 204})
	}

	segments := splitPath(req.Path)
	switch {
	case len(segments) == 1:
		if req.Method != "POST" {
			return e.jsonError(405, "Method not allowed")
		}
		return e.handleManifest(ctx, segments[0], req.Body)

	case len(segments) == 2 && segments[1] == "content":
		if req.Method != "GET" {
			return e.jsonError(405, "Method not allowed")
		}
		return e.serveCiphertext(ctx, contentKey(segments[0]), "content")

	case len(segments) == 3 && segments[1] == "attachment":
		if req.Method != "GET" {
			return e.jsonError(405, "Method not allowed")
		}
		if !attachmentIndexPattern.MatchString(segments[2]) {
			return e.jsonError(400, "Invalid attachment index")
		}
		return e.serveCiphertext(ctx, segments[0]+"/attachment-"+segments[2]+".jwe", "attachment")

	default:
		return e.jsonError(404, "Not found")
	}
}

// handleManifest runs the ordered expiry -> count -> passcode predicate
// chain inside the metadata updater and increments the counter on the single
// commit point. The ordering is part of the contract: an expired link must
// not reveal whether the supplied passcode was correct.
func (e *Engine) handleManifest(ctx context.Context, shlID string, body []byte) Response {
	manifest, err := e.store.Get(ctx, manifestKey(shlID))
	if errors.Is(err, storage.ErrNotFound) {
		e.countManifest("not_found")
		return e.jsonError(404, "Not found")
	}
	if err != nil {
		e.log.Error().Err(err).Str("shl_id", shlID).Msg("manifest read failed")
		return e.jsonError(500, "Internal server error")
	}

	// The provided passcode is hashed before any predicate runs, on the
	// identical path whether or not one was supplied.
	providedHash := hashPasscode(extractPasscode(body))
	now := e.now()

	var granted Metadata
	decision, err := e.store.UpdateMetadata(ctx, shlID, func(current []byte) storage.Decision {
		var md Metadata
		if err := json.Unmarshal(current, &md); err != nil {
			return storage.Decision{}
		}

		if md.ExpiresAt != nil && !md.ExpiresAt.After(now) {
			return storage.Decision{Reason: reasonExpired}
		}
		if md.MaxAccesses != nil && md.AccessCount >= *md.MaxAccesses {
			return storage.Decision{Reason: reasonExhausted}
		}
		if md.Passcode != "" && !timingSafeEqual(providedHash, md.Passcode) {
			return storage.Decision{Reason: reasonPasscode}
		}

		md.AccessCount++
		out, err := json.Marshal(md)
		if err != nil {
			return storage.Decision{}
		}
		granted = md
		return storage.Decision{Commit: out}
	})
	if errors.Is(err, storage.ErrNotFound) {
		e.countManifest("not_found")
		return e.jsonError(404, "Not found")
	}
	if err != nil {
		e.log.Error().Err(err).Str("shl_id", shlID).Msg("metadata update failed")
		return e.jsonError(500, "Internal server error")
	}

	switch decision.Reason {
	case reasonExpired:
		e.countManifest(reasonExpired)
		return e.jsonError(410, "SHL has expired")
	case reasonExhausted:
		e.countManifest(reasonExhausted)
		return e.jsonError(410, "SHL access limit reached")
	case reasonPasscode:
		e.countManifest(reasonPasscode)
		return e.jsonError(401, "Invalid passcode")
	}
	if decision.Commit == nil {
		// Unreadable metadata: indistinguishable from absent.
		e.countManifest("not_found")
		return e.jsonError(404, "Not found")
	}

	e.countManifest("granted")
	e.fireAccessEvent(AccessEvent{ShlID: shlID, AccessCount: granted.AccessCount, Timestamp: now})

	return e.respond(Response{
		Status: 200,
		Header: map[string]string{
			"content-type":  ContentTypeJSON,
			"cache-control": "no-store",
		},
		Body: manifest,
	})
}

// serveCiphertext returns a stored envelope verbatim. No access accounting:
// the manifest already gated access, and a ciphertext URL is useless without
// the content key inside the token.
func (e *Engine) serveCiphertext(ctx context.Context, key, kind string) Response {
	data, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return e.jsonError(404, "Not found")
	}
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Msg("ciphertext read failed")
		return e.jsonError(500, "Internal server error")
	}
	if e.metrics != nil {
		e.metrics.CiphertextServed(kind)
	}
	return e.respond(Response{
		Status: 200,
		Header: map[string]string{"content-type": ContentTypeJOSE},
		Body:   data,
	})
}

func (e *Engine) countManifest(outcome string) {
	if e.metrics != nil {
		e.metrics.ManifestAccess(outcome)
	}
}

func (e *Engine) fireAccessEvent(event AccessEvent) {
	if e.onAccess == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().
					Str("shl_id", event.ShlID).
					Interface("panic", r).
					Msg("access-event callback panicked")
			}
		}()
		e.onAccess(event)
	}()
}

func (e *Engine) jsonError(status int, message string) Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return e.respond(Response{
		Status: status,
		Header: map[string]string{
			"content-type":  ContentTypeJSON,
			"cache-control": "no-store",
		},
		Body: body,
	})
}

func (e *Engine) respond(resp Response) Response {
	if resp.Header == nil {
		resp.Header = make(map[string]string)
	}
	if !e.cors.Disabled {
		resp.Header["access-control-allow-origin"] = e.cors.AllowOrigin
		resp.Header["access-control-allow-methods"] = e.cors.AllowMethods
		resp.Header["access-control-allow-headers"] = e.cors.AllowHeaders
	}
	return resp
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

// extractPasscode pulls the passcode string out of the request body. A
// missing or unparsable body counts as an absent passcode, which hashes the
// same as an empty string.
func extractPasscode(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Passcode string `json:"passcode"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Passcode
}

// timingSafeEqual compares two hex digests in constant time. Unequal lengths
// short-circuit to false; both inputs come off the same hashing path, so the
// lengths only differ when the stored hash is malformed.
func timingSafeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
