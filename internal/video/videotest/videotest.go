// Package videotest provides an in-process video network for tests.
package videotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/video"
)

// Address is the address reported for every in-memory source.
const Address = "memory"

// Network connects the transports created from it.
type Network struct {
	mu      sync.Mutex
	senders map[string]*Sender
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{senders: make(map[string]*Sender)}
}

// Transport returns a new participant on the network.
func (n *Network) Transport() *Transport {
	return &Transport{net: n}
}

// Sender returns the registered sender called name, or nil.
func (n *Network) Sender(name string) *Sender {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.senders[name]
}

// Transport implements video.Transport on a Network.
type Transport struct {
	net *Network

	// InitErr, when set, is returned by Initialize.
	InitErr error
	// NewSenderErr, when set, is returned by NewSender.
	NewSenderErr error

	mu          sync.Mutex
	initialized bool
	closed      bool
	finds       int
}

var _ video.Transport = (*Transport)(nil)

func (t *Transport) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.InitErr != nil {
		return t.InitErr
	}
	if t.closed {
		return video.ErrClosed
	}
	t.initialized = true
	return nil
}

func (t *Transport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.initialized {
		return video.ErrClosed
	}
	return nil
}

// Finds returns how many times Find was called.
func (t *Transport) Finds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finds
}

func (t *Transport) Find(ctx context.Context) ([]video.Source, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.finds++
	t.mu.Unlock()

	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	sources := make([]video.Source, 0, len(t.net.senders))
	for name := range t.net.senders {
		sources = append(sources, video.Source{Name: name, Address: Address})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}

func (t *Transport) Connect(src video.Source) (video.Receiver, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	s := t.net.Sender(src.Name)
	if s == nil {
		return nil, fmt.Errorf("videotest: no source %q", src.Name)
	}
	r := &Receiver{src: src, box: video.NewMailbox(), sender: s}
	s.mu.Lock()
	s.receivers[r] = struct{}{}
	s.mu.Unlock()
	return r, nil
}

func (t *Transport) NewSender(name string) (video.Sender, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	if t.NewSenderErr != nil {
		return nil, t.NewSenderErr
	}

	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, exists := t.net.senders[name]; exists {
		return nil, fmt.Errorf("videotest: sender %q already exists", name)
	}
	s := &Sender{name: name, net: t.net, receivers: make(map[*Receiver]struct{})}
	t.net.senders[name] = s
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Sender implements video.Sender and records every frame it sends.
type Sender struct {
	name string
	net  *Network

	mu        sync.Mutex
	receivers map[*Receiver]struct{}
	sent      []*video.Frame
	closed    bool
}

func (s *Sender) Name() string {
	return s.name
}

// SendVideo copies f, records it and delivers it to connected receivers.
func (s *Sender) SendVideo(f *video.Frame) error {
	cp := *f
	cp.Data = append([]byte(nil), f.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return video.ErrClosed
	}
	s.sent = append(s.sent, &cp)
	for r := range s.receivers {
		r.box.Put(&cp)
	}
	return nil
}

// Frames returns the frames sent so far.
func (s *Sender) Frames() []*video.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*video.Frame(nil), s.sent...)
}

// Receivers returns how many receivers are connected.
func (s *Sender) Receivers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers)
}

func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for r := range s.receivers {
		r.box.Close()
	}
	s.mu.Unlock()

	s.net.mu.Lock()
	if s.net.senders[s.name] == s {
		delete(s.net.senders, s.name)
	}
	s.net.mu.Unlock()
	return nil
}

// Receiver implements video.Receiver.
type Receiver struct {
	src    video.Source
	box    *video.Mailbox
	sender *Sender
}

func (r *Receiver) Capture(timeout time.Duration) (*video.Frame, error) {
	return video.TakeFrame(r.box, timeout)
}

func (r *Receiver) Source() video.Source {
	return r.src
}

func (r *Receiver) Close() error {
	r.sender.mu.Lock()
	delete(r.sender.receivers, r)
	r.sender.mu.Unlock()
	r.box.Close()
	return nil
}
