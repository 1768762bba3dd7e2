package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bobg/dist"
	"github.com/bobg/dist/collection"
)

const writeWait = 10 * time.Second

type watchMessage struct {
	Record *dist.Record `json:"record"`
}

type indexMessage struct {
	Entries []dist.IndexEntry `json:"entries"`
}

// Streams one message per verified delivery until the client goes away.
// A tampered or missing record is sent as {"record": null}.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	watcher, err := s.svc.Watch(r.Context(), dist.Address(chi.URLParam(r, "address")))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	defer watcher.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrading watch connection", zap.Error(err))
		return
	}
	defer conn.Close()

	gone := s.drain(conn)
	for {
		select {
		case <-gone:
			return
		case rec, ok := <-watcher.Updates():
			if !ok {
				s.closeConn(conn, websocket.CloseGoingAway, "store closed")
				return
			}
			if !s.send(conn, watchMessage{Record: rec}) {
				return
			}
		}
	}
}

func (s *Server) handleWatchIndex(w http.ResponseWriter, r *http.Request) {
	coll, err := collection.Attach(r.Context(), s.g, s.svc.Identity(), collection.WithLogger(s.logger), collection.WithMetrics(s.metrics))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	defer coll.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrading index connection", zap.Error(err))
		return
	}
	defer conn.Close()

	gone := s.drain(conn)
	for {
		select {
		case <-gone:
			return
		case view, ok := <-coll.Views():
			if !ok {
				s.closeConn(conn, websocket.CloseGoingAway, "store closed")
				return
			}
			if !s.send(conn, indexMessage{Entries: view}) {
				return
			}
		}
	}
}

// Reads (and discards) client messages so control frames are processed.
// The returned channel is closed when the client disconnects.
func (s *Server) drain(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return gone
}

func (s *Server) send(conn *websocket.Conn, msg interface{}) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("writing websocket message", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) closeConn(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
