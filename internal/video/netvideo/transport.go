// Package netvideo is a video transport over HTTP. Every participant runs a
// small server listing its local senders at /sources and streaming each
// sender's frames as binary websocket messages at /video/{name}. Discovery
// asks the configured peers for their lists.
package netvideo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/video"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config configures a Transport.
type Config struct {
	// ListenAddress is where the local server listens, "127.0.0.1:0" picks
	// a free port.
	ListenAddress string
	// Peers are host:port addresses queried by Find.
	Peers []string
	// DialTimeout bounds websocket dials in Connect.
	DialTimeout time.Duration
}

// DefaultConfig returns a loopback configuration without peers.
func DefaultConfig() Config {
	return Config{
		ListenAddress: "127.0.0.1:0",
		DialTimeout:   3 * time.Second,
	}
}

// Transport implements video.Transport.
type Transport struct {
	cfg      Config
	log      *zerolog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	client   *http.Client

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	senders  map[string]*sender
	closed   bool
}

var _ video.Transport = (*Transport)(nil)

// New creates a transport. Nothing listens until Initialize.
func New(cfg Config) *Transport {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultConfig().ListenAddress
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}

	t := &Transport{
		cfg:    cfg,
		log:    logger.WithComponent("netvideo"),
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		client:  &http.Client{},
		senders: make(map[string]*sender),
	}
	t.router.HandleFunc("/sources", t.handleSources).Methods("GET")
	t.router.HandleFunc("/video/{name}", t.handleVideo)
	return t
}

// Initialize starts the local server. Calling it again on a running
// transport is a no-op.
func (t *Transport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return video.ErrClosed
	}
	if t.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("netvideo: listen on %s: %w", t.cfg.ListenAddress, err)
	}
	t.listener = listener
	t.server = &http.Server{Handler: t.router}

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error().Err(err).Msg("Video server stopped")
		}
	}()

	t.log.Info().Str("address", listener.Addr().String()).Msg("Video transport listening")
	return nil
}

// Addr returns the address the local server listens on, or "" before
// Initialize.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Find lists local senders and asks every peer for theirs. Peers that have
// not answered when ctx expires are skipped.
func (t *Transport) Find(ctx context.Context) ([]video.Source, error) {
	addr := t.Addr()
	if addr == "" {
		return nil, video.ErrClosed
	}

	found := make(map[video.Source]struct{})
	for _, src := range t.localSources(addr) {
		found[src] = struct{}{}
	}

	results := make(chan []video.Source, len(t.cfg.Peers))
	pending := 0
	for _, peer := range t.cfg.Peers {
		if peer == addr {
			continue
		}
		pending++
		go func(peer string) {
			sources, err := t.queryPeer(ctx, peer)
			if err != nil {
				t.log.Debug().Err(err).Str("peer", peer).Msg("Peer query failed")
			}
			results <- sources
		}(peer)
	}

collect:
	for pending > 0 {
		select {
		case sources := <-results:
			pending--
			for _, src := range sources {
				found[src] = struct{}{}
			}
		case <-ctx.Done():
			break collect
		}
	}

	list := make([]video.Source, 0, len(found))
	for src := range found {
		list = append(list, src)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].Address < list[j].Address
	})
	return list, nil
}

func (t *Transport) localSources(addr string) []video.Source {
	t.mu.Lock()
	defer t.mu.Unlock()

	sources := make([]video.Source, 0, len(t.senders))
	for name := range t.senders {
		sources = append(sources, video.Source{Name: name, Address: addr})
	}
	return sources
}

func (t *Transport) queryPeer(ctx context.Context, peer string) ([]video.Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+peer+"/sources", nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("netvideo: %s answered %s", peer, resp.Status)
	}
	var sources []video.Source
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return nil, fmt.Errorf("netvideo: decode sources from %s: %w", peer, err)
	}
	return sources, nil
}

// Connect dials the source's frame stream.
func (t *Transport) Connect(src video.Source) (video.Receiver, error) {
	if t.Addr() == "" {
		return nil, video.ErrClosed
	}

	u := url.URL{Scheme: "ws", Host: src.Address, Path: "/video/" + url.PathEscape(src.Name)}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("netvideo: connect to %q at %s: %w", src.Name, src.Address, err)
	}
	return newReceiver(src, conn, t.log), nil
}

// NewSender registers a local sender under name.
func (t *Transport) NewSender(name string) (video.Sender, error) {
	if name == "" {
		return nil, errors.New("netvideo: sender name is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.listener == nil {
		return nil, video.ErrClosed
	}
	if _, exists := t.senders[name]; exists {
		return nil, fmt.Errorf("netvideo: sender %q already exists", name)
	}
	s := newSender(name, t)
	t.senders[name] = s
	t.log.Info().Str("name", name).Msg("Sender registered")
	return s, nil
}

func (t *Transport) removeSender(s *sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.senders[s.name] == s {
		delete(t.senders, s.name)
	}
}

// Close stops the server and closes every local sender.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	senders := make([]*sender, 0, len(t.senders))
	for _, s := range t.senders {
		senders = append(senders, s)
	}
	server := t.server
	t.mu.Unlock()

	for _, s := range senders {
		s.Close()
	}
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func (t *Transport) handleSources(w http.ResponseWriter, r *http.Request) {
	sources := t.localSources(t.Addr())
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sources)
}

func (t *Transport) handleVideo(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	t.mu.Lock()
	s := t.senders[name]
	t.mu.Unlock()
	if s == nil {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn().Err(err).Str("name", name).Msg("Websocket upgrade failed")
		return
	}
	s.serve(conn)
}
