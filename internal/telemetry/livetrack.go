package telemetry

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ambu-dispatch/internal/models"
)

// LiveTrack is the websocket feed to the dispatch server that lets the
// patient watch the ambulance move while a ride is active. One connection
// per agent; writes are serialized because gorilla connections allow a
// single concurrent writer.
type LiveTrack struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewLiveTrack(url string) *LiveTrack {
	return &LiveTrack{url: url}
}

// Send pushes one location sample, dialing lazily and redialing after a
// write failure so a dropped connection heals on the next sample.
func (l *LiveTrack) Send(u models.LocationUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
		if err != nil {
			return fmt.Errorf("livetrack dial: %w", err)
		}
		l.conn = conn
	}
	if err := l.conn.WriteJSON(u); err != nil {
		_ = l.conn.Close()
		l.conn = nil
		return fmt.Errorf("livetrack write: %w", err)
	}
	return nil
}

func (l *LiveTrack) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
