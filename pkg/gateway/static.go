package gateway

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// handleStatic serves the built web UI.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" || r.URL.Path == "/index.html" {
		s.serveIndex(w, r)
		return
	}
	http.FileServer(http.Dir(s.cfg.Server.StaticDir)).ServeHTTP(w, r)
}

// serveIndex injects a fresh session nonce into the index page so the page
// can request its first token. Expired nonces are swept on each visit.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	index, err := os.ReadFile(filepath.Join(s.cfg.Server.StaticDir, "index.html"))
	if err != nil {
		http.Error(w, "Frontend not built.", http.StatusNotFound)
		return
	}

	nonce := s.nonces.Issue()
	tag := fmt.Sprintf("<meta name=\"session-nonce\" content=\"%s\">\n</head>", nonce)
	html := bytes.Replace(index, []byte("</head>"), []byte(tag), 1)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}
