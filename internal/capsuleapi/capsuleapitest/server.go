// Package capsuleapitest provides an in-memory capsule server for tests.
package capsuleapitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/graaaaa/capsule-bridge/internal/capsule"
)

// Server is a fake capsule server. Route names used by Fail are the first
// path segment after /api/ ("upload-record", "update-capsule", ...) or "data".
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	capsules map[string]*capsule.Capsule
	assets   map[string][]byte
	failures map[string]int
	requests []string
	cookies  []string
	nextID   int
}

// NewServer starts a fake server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		capsules: make(map[string]*capsule.Capsule),
		assets:   make(map[string][]byte),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/empty-capsule/{project}/{name}", s.route("empty-capsule", s.handleEmptyCapsule))
	mux.HandleFunc("POST /api/add-slide/{id}/{gos}/{page}", s.route("add-slide", s.handleAddSlide))
	mux.HandleFunc("POST /api/replace-slide/{id}/{uuid}/{page}", s.route("replace-slide", s.handleReplaceSlide))
	mux.HandleFunc("POST /api/upload-record/{id}/{gos}", s.route("upload-record", s.handleUploadRecord))
	mux.HandleFunc("POST /api/upload-pointer/{id}/{gos}", s.route("upload-pointer", s.handleUploadPointer))
	mux.HandleFunc("POST /api/update-capsule/{$}", s.route("update-capsule", s.handleUpdateCapsule))
	mux.HandleFunc("GET /data/{id}/assets/{file}", s.route("data", s.handleAsset))
	mux.HandleFunc("GET /data/{id}/output.mp4", s.route("data", s.handleOutput))

	s.Server = httptest.NewServer(mux)
	return s
}

// Fail makes every later request to route answer with status.
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	s.failures[route] = status
	s.mu.Unlock()
}

// AddCapsule stores c and its assets. Assets are keyed by file name ("<uuid>.png").
func (s *Server) AddCapsule(c *capsule.Capsule, assets map[string][]byte, output []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capsules[c.ID] = c
	for name, data := range assets {
		s.assets[c.ID+"/assets/"+name] = data
	}
	if output != nil {
		s.assets[c.ID+"/output.mp4"] = output
	}
}

// Capsule returns a copy of the stored capsule.
func (s *Server) Capsule(id string) (*capsule.Capsule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return nil, false
	}
	cp, err := capsule.Clone(c)
	if err != nil {
		return nil, false
	}
	return cp, true
}

// Asset returns the stored asset of a capsule.
func (s *Server) Asset(id, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.assets[id+"/assets/"+name]
	return data, ok
}

// Requests returns "METHOD path" for every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Cookies returns the session cookie values received.
func (s *Server) Cookies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cookies...)
}

func (s *Server) route(name string, h func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		if c, err := r.Cookie("EXAUTH"); err == nil {
			s.cookies = append(s.cookies, c.Value)
		}
		status := s.failures[name]
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*capsule.Capsule, bool) {
	c, ok := s.capsules[r.PathValue("id")]
	if !ok {
		http.Error(w, "no such capsule", http.StatusNotFound)
	}
	return c, ok
}

func (s *Server) gosIndex(w http.ResponseWriter, r *http.Request, c *capsule.Capsule) (int, bool) {
	i, err := strconv.Atoi(r.PathValue("gos"))
	if err != nil || i < 0 || i >= len(c.Structure) {
		http.Error(w, "bad gos", http.StatusBadRequest)
		return 0, false
	}
	return i, true
}

func (s *Server) handleEmptyCapsule(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &capsule.Capsule{
		ID:        fmt.Sprintf("cap%d", s.nextID),
		Project:   r.PathValue("project"),
		Name:      r.PathValue("name"),
		Structure: []capsule.Gos{},
		Extra:     map[string]json.RawMessage{"privacy": json.RawMessage(`"private"`)},
	}
	s.capsules[c.ID] = c
	writeJSON(w, c)
}

func (s *Server) handleAddSlide(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	id := uuid.NewString()
	s.assets[c.ID+"/assets/"+id+".png"] = data
	c.Structure = append(c.Structure, capsule.Gos{Slides: []capsule.Slide{{UUID: id}}})
	writeJSON(w, c)
}

func (s *Server) handleReplaceSlide(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	target := r.PathValue("uuid")
	for gi := range c.Structure {
		for si := range c.Structure[gi].Slides {
			slide := &c.Structure[gi].Slides[si]
			if slide.UUID != target {
				continue
			}
			id := uuid.NewString()
			if strings.HasPrefix(r.Header.Get("Content-Type"), "video/") {
				s.assets[c.ID+"/assets/"+id+".mp4"] = data
				slide.Extra = &id
			} else {
				s.assets[c.ID+"/assets/"+id+".png"] = data
				slide.UUID = id
			}
			writeJSON(w, c)
			return
		}
	}
	http.Error(w, "no such slide", http.StatusBadRequest)
}

func (s *Server) handleUploadRecord(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	gi, ok := s.gosIndex(w, r, c)
	if !ok {
		return
	}
	id := uuid.NewString()
	s.assets[c.ID+"/assets/"+id+".webm"] = data
	c.Structure[gi].Record = &capsule.RecordRef{
		UUID:   id,
		Fields: map[string]json.RawMessage{"size": json.RawMessage(`[1920,1080]`)},
	}
	writeJSON(w, c)
}

func (s *Server) handleUploadPointer(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	gi, ok := s.gosIndex(w, r, c)
	if !ok {
		return
	}
	rec := c.Structure[gi].Record
	if rec == nil {
		http.Error(w, "no record", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	s.assets[c.ID+"/assets/"+id+".webm"] = data
	rec.PointerUUID = &id
	writeJSON(w, c)
}

func (s *Server) handleUpdateCapsule(w http.ResponseWriter, r *http.Request) {
	var edit capsule.Capsule
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[edit.ID]
	if !ok {
		http.Error(w, "no such capsule", http.StatusNotFound)
		return
	}
	c.Name = edit.Name
	c.Project = edit.Project
	c.Structure = edit.Structure
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r.PathValue("id")+"/assets/"+r.PathValue("file"))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r.PathValue("id")+"/output.mp4")
}

func (s *Server) serve(w http.ResponseWriter, key string) {
	s.mu.Lock()
	data, ok := s.assets[key]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, nil)
		return
	}
	_, _ = w.Write(data)
}
