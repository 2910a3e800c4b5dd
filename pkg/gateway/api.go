package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"github.com/silviot/deepgram_live_proxy_go/pkg/token"
)

const (
	// maxSynthesisChars bounds one-shot synthesis requests.
	maxSynthesisChars = 2000

	// defaultSpeakModel is used when the client names no voice.
	defaultSpeakModel = "aura-2-thalia-en"
)

// Error envelope types, matching what the web client sorts on.
const (
	errTypeAuth      = "AuthenticationError"
	errTypeSynthesis = "SynthesisError"
	errTypeSession   = "SessionError"
)

// writeError sends the JSON error envelope shared by all REST endpoints.
func (s *Server) writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"type":    errType,
			"code":    code,
			"message": message,
		},
	})
}

// authenticate validates the session token on a request. The streaming
// endpoint also accepts the token as a query parameter because browser
// WebSocket clients cannot set headers. Returns an empty code on success.
func (s *Server) authenticate(r *http.Request) (code, message string) {
	auth := r.Header.Get("Authorization")
	var tok string
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		tok = strings.TrimPrefix(auth, "Bearer ")
	case r.URL.Query().Get("token") != "":
		tok = r.URL.Query().Get("token")
	default:
		return "MISSING_TOKEN", "Authorization header with Bearer token is required"
	}

	if err := s.issuer.Verify(tok); err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return "INVALID_TOKEN", "Session expired, please refresh the page"
		}
		return "INVALID_TOKEN", "Invalid session token"
	}
	return "", ""
}

// handleSession issues a short-lived session token. When a session secret is
// configured the request must redeem a nonce previously injected into the
// index page; each nonce works exactly once.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.requireNonce {
		nonce := r.Header.Get("X-Session-Nonce")
		if nonce == "" || !s.nonces.Redeem(nonce) {
			s.writeError(w, http.StatusForbidden, errTypeAuth, "INVALID_NONCE",
				"Valid session nonce required. Please refresh the page.")
			return
		}
	}

	tok, expiresIn, err := s.issuer.Issue()
	if err != nil {
		s.logger.Error("token issue failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errTypeAuth, "TOKEN_ISSUE_FAILED",
			"Could not issue a session token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      tok,
		"expires_in": expiresIn,
	})
}

// handleTextToSpeech synthesizes a single utterance over the provider's REST
// surface and streams the audio bytes back verbatim.
func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	if code, msg := s.authenticate(r); code != "" {
		s.writeError(w, http.StatusUnauthorized, errTypeAuth, code, msg)
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errTypeSynthesis, "INVALID_REQUEST",
			"Request body must be JSON")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.writeError(w, http.StatusBadRequest, errTypeSynthesis, "INVALID_REQUEST",
			"Text field is required and cannot be empty")
		return
	}
	// The limit counts characters, not bytes: multibyte text must not be
	// rejected early.
	if utf8.RuneCountInString(text) > maxSynthesisChars {
		s.writeError(w, http.StatusBadRequest, errTypeSynthesis, "TEXT_TOO_LONG",
			fmt.Sprintf("Text exceeds maximum length of %d characters", maxSynthesisChars))
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		model = defaultSpeakModel
	}

	audio, err := s.rest.Speak(r.Context(), text, model)
	if err != nil {
		s.logger.Error("synthesis failed", "model", model, "error", err)
		s.writeError(w, http.StatusInternalServerError, errTypeSynthesis, "SYNTHESIS_FAILED",
			"Failed to synthesize speech")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(audio)
}

// handleMetadata returns the [meta] section of the deployment's metadata
// file as a JSON object.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	file := s.cfg.Server.MetadataFile

	var doc struct {
		Meta map[string]interface{} `toml:"meta"`
	}
	if _, err := toml.DecodeFile(file, &doc); err != nil {
		msg := fmt.Sprintf("Failed to read metadata from %s", file)
		if errors.Is(err, fs.ErrNotExist) {
			msg = fmt.Sprintf("%s file not found", file)
		}
		s.logger.Error("metadata read failed", "file", file, "error", err)
		s.writeError(w, http.StatusInternalServerError, errTypeSynthesis, "INTERNAL_SERVER_ERROR", msg)
		return
	}
	if len(doc.Meta) == 0 {
		s.writeError(w, http.StatusInternalServerError, errTypeSynthesis, "INTERNAL_SERVER_ERROR",
			fmt.Sprintf("Missing [meta] section in %s", file))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc.Meta)
}
