package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// streamSnapshots sends the current snapshot, then every newer version, until the
// client goes away or the API is closed
func (a *API) streamSnapshots(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before reading the current snapshot so no version falls in between
	updates, cancel := a.store.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	last := a.store.Snapshot()
	if err := writeSnapshot(conn, last); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-a.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if snap.Version <= last.Version {
				continue
			}
			last = snap
			if err := writeSnapshot(conn, snap); err != nil {
				a.logger.Debug("snapshot stream closed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap viewmodel.Snapshot) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(snap)
}
