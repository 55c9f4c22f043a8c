package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/spachava753/vidpixie/internal/signaling"
)

// Configure the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// The relay performs no authentication of rooms; any origin may connect.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HealthHandler reports liveness for load balancers.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Relay server is healthy."))
}

// ServeWs returns an http.HandlerFunc that upgrades requests to websocket
// connections and hands them to the hub.
func ServeWs(hub *signaling.Hub, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Error("Failed to upgrade connection")
			return
		}

		client := hub.NewClient(conn)

		// Register before starting the pumps so the hub assigns the identity
		// ahead of any inbound traffic from this connection.
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
