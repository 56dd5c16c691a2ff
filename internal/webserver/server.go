// Package webserver hosts the read-mostly HTTP surface over a team: JSON
// views of the worker forest and inboxes, and a WebSocket terminal bridge
// that attaches to a worker's tmux session from the browser.
package webserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/agusx1211/crew/internal/debug"
	"github.com/agusx1211/crew/internal/inbox"
	"github.com/agusx1211/crew/internal/registry"
)

// Options configures the web server.
type Options struct {
	Host      string
	Port      int
	AuthToken string
}

// Server serves one team.
type Server struct {
	reg        *registry.Store
	inbox      *inbox.Store
	host       string
	port       int
	authToken  string
	httpServer *http.Server
}

// New constructs a Server over a team directory's stores.
func New(reg *registry.Store, ib *inbox.Store, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := opts.Port
	if port <= 0 {
		port = 8322
	}
	return &Server{
		reg:       reg,
		inbox:     ib,
		host:      host,
		port:      port,
		authToken: strings.TrimSpace(opts.AuthToken),
	}
}

// URL returns the server's base URL.
func (srv *Server) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(srv.host, fmt.Sprint(srv.port)))
}

// Start begins serving in the background.
func (srv *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleIndex)
	mux.HandleFunc("/api/team", srv.handleTeam)
	mux.HandleFunc("/api/inbox", srv.handleInbox)
	mux.HandleFunc("/ws/terminal", srv.handleTerminalWebSocket)

	srv.httpServer = &http.Server{
		Addr:              net.JoinHostPort(srv.host, fmt.Sprint(srv.port)),
		Handler:           srv.withAuth(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.httpServer.Addr)
	if err != nil {
		return err
	}
	debug.LogKV("web", "listening", "addr", srv.httpServer.Addr)
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			debug.Logf("web", "serve: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer == nil {
		return nil
	}
	return srv.httpServer.Shutdown(ctx)
}

// withAuth enforces the bearer token on every route when one is set.
func (srv *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.authToken != "" && !srv.tokenOK(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) tokenOK(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")) == srv.authToken
	}
	// Query-string fallback for the browser terminal, which cannot set
	// headers on a WebSocket dial.
	return r.URL.Query().Get("token") == srv.authToken
}

func (srv *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "crew web")
	fmt.Fprintln(w, "  GET /api/team           worker forest")
	fmt.Fprintln(w, "  GET /api/inbox?base=X   a worker's inbox")
	fmt.Fprintln(w, "  WS  /ws/terminal?worker=X  attach to a worker session")
}

// teamNode is one worker in the /api/team response.
type teamNode struct {
	Full     string   `json:"full"`
	Base     string   `json:"base"`
	Role     string   `json:"role,omitempty"`
	Parent   string   `json:"parent,omitempty"`
	Children []string `json:"children,omitempty"`
	Running  bool     `json:"running"`
	Unread   int      `json:"unread"`
}

func (srv *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	members, err := srv.reg.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	nodes := make([]teamNode, 0, len(members))
	for _, m := range members {
		unread, err := srv.inbox.List(m.Base, inbox.StateUnread)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		nodes = append(nodes, teamNode{
			Full:     m.Full,
			Base:     m.Base,
			Role:     m.Role,
			Parent:   m.Parent,
			Children: m.Children,
			Running:  m.Running,
			Unread:   len(unread),
		})
	}
	writeJSON(w, nodes)
}

func (srv *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSpace(r.URL.Query().Get("base"))
	if base == "" {
		http.Error(w, "missing base parameter", http.StatusBadRequest)
		return
	}
	msgs, err := srv.inbox.List(base)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type entry struct {
		inbox.Message
		State   string `json:"state"`
		Summary string `json:"summary"`
	}
	out := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, entry{Message: m, State: m.State, Summary: summarize(m.Body)})
	}
	writeJSON(w, out)
}

func summarize(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Advertise announces the server on the local network over mDNS so phones
// and other machines can discover it.
func Advertise(name string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "crew"
	}
	txt := []string{
		fmt.Sprintf("team=%s", name),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, "_crew-web._tcp", "local", "", port, nil, txt)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}
