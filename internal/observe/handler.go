package observe

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterRoute mounts the observation stream's WebSocket endpoint on e.
func (h *Hub) RegisterRoute(e *echo.Echo, path string) {
	e.GET(path, func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		h.Serve(ws)
		return nil
	})
}
