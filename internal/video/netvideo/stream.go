package netvideo

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/video"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// clientBuffer is how many frames may queue for one viewer before newer
// frames are skipped for it.
const clientBuffer = 2

const writeTimeout = 5 * time.Second

type sender struct {
	name      string
	transport *Transport

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	closed  bool
}

var _ video.Sender = (*sender)(nil)

func newSender(name string, t *Transport) *sender {
	return &sender{
		name:      name,
		transport: t,
		clients:   make(map[chan []byte]struct{}),
	}
}

func (s *sender) Name() string {
	return s.name
}

// SendVideo encodes f once and queues it for every connected viewer. Slow
// viewers skip the frame.
func (s *sender) SendVideo(f *video.Frame) error {
	msg, err := encodeFrame(f)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return video.ErrClosed
	}
	for ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (s *sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[chan []byte]struct{})
	s.mu.Unlock()

	s.transport.removeSender(s)
	return nil
}

// serve streams frames to one websocket viewer until either side goes away.
func (s *sender) serve(conn *websocket.Conn) {
	defer conn.Close()

	frames := make(chan []byte, clientBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.clients[frames] = struct{}{}
	viewers := len(s.clients)
	s.mu.Unlock()

	log := s.transport.log.With().Str("name", s.name).Str("viewer", conn.RemoteAddr().String()).Logger()
	log.Info().Int("viewers", viewers).Msg("Viewer connected")

	// The viewer never sends data; reading only notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.mu.Lock()
		delete(s.clients, frames)
		s.mu.Unlock()
		log.Info().Msg("Viewer disconnected")
	}()

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "sender closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Debug().Err(err).Msg("Frame write failed")
				return
			}
		case <-gone:
			return
		}
	}
}

type receiver struct {
	src  video.Source
	conn *websocket.Conn
	box  *video.Mailbox
	log  zerolog.Logger
	done chan struct{}

	closeOnce sync.Once
}

var _ video.Receiver = (*receiver)(nil)

func newReceiver(src video.Source, conn *websocket.Conn, log *zerolog.Logger) *receiver {
	r := &receiver{
		src:  src,
		conn: conn,
		box:  video.NewMailbox(),
		log:  log.With().Str("source", src.Name).Logger(),
		done: make(chan struct{}),
	}
	go r.readLoop()
	return r
}

func (r *receiver) readLoop() {
	defer close(r.done)
	defer r.box.Close()

	for {
		kind, msg, err := r.conn.ReadMessage()
		if err != nil {
			r.log.Debug().Err(err).Msg("Frame stream ended")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(msg)
		if err != nil {
			r.log.Warn().Err(err).Msg("Dropping frame")
			continue
		}
		r.box.Put(f)
	}
}

func (r *receiver) Capture(timeout time.Duration) (*video.Frame, error) {
	return video.TakeFrame(r.box, timeout)
}

func (r *receiver) Source() video.Source {
	return r.src
}

func (r *receiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
		<-r.done
		if drops := r.box.Drops(); drops > 0 {
			r.log.Debug().Uint64("dropped", drops).Msg("Receiver closed")
		}
	})
	return err
}
