package transport

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vcompany/vcompany/internal/directory"
	"github.com/vcompany/vcompany/internal/ids"
	"github.com/vcompany/vcompany/internal/router"
)

// Server exposes the three wire endpoints a peer node calls into.
type Server struct {
	self      ids.NodeId
	directory *directory.Directory
	router    *router.Router
	echo      *echo.Echo
}

// NewServer builds an echo server registered with the deliver/announce/
// query routes. Callers own starting and stopping echo.Echo.
func NewServer(self ids.NodeId, dir *directory.Directory, r *router.Router) *Server {
	s := &Server{self: self, directory: dir, router: r, echo: echo.New()}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.Logger())
	s.echo.POST("/v1/deliver", s.handleDeliver)
	s.echo.POST("/v1/announce", s.handleAnnounce)
	s.echo.POST("/v1/query", s.handleQuery)
	return s
}

func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleDeliver(c echo.Context) error {
	var wire WireEnvelope
	if err := c.Bind(&wire); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed envelope"))
	}
	if wire.ProtocolVersion < MinSupportedProtocolVersion {
		return c.JSON(http.StatusConflict, errBody("unsupported protocol version"))
	}
	var payload DeliverPayload
	if err := json.Unmarshal(wire.Payload, &payload); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed deliver payload"))
	}
	env, err := fromDeliverPayload(payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}
	if err := s.router.OnIngress(c.Request().Context(), env); err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err.Error()))
	}
	s.directory.MarkNodeHealthy(wire.OriginNode)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAnnounce(c echo.Context) error {
	var wire WireEnvelope
	if err := c.Bind(&wire); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed envelope"))
	}
	var payload AnnouncePayload
	if err := json.Unmarshal(wire.Payload, &payload); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed announce payload"))
	}
	s.absorbAdvertisement(wire.OriginNode, payload.Endpoint, payload.Agents)
	return c.JSON(http.StatusOK, s.localAdvertisement())
}

func (s *Server) handleQuery(c echo.Context) error {
	var wire WireEnvelope
	if err := c.Bind(&wire); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("malformed envelope"))
	}
	s.directory.MarkNodeHealthy(wire.OriginNode)
	return c.JSON(http.StatusOK, s.localAdvertisement())
}

func (s *Server) localAdvertisement() QueryResponse {
	local := s.directory.ListLocal()
	agents := make([]AgentAdvert, len(local))
	for i, a := range local {
		agents[i] = AgentAdvert{Agent: a.Id}
	}
	return QueryResponse{NodeId: s.self, Agents: agents}
}

func (s *Server) absorbAdvertisement(node ids.NodeId, endpoint string, agents []AgentAdvert) {
	for _, a := range agents {
		if s.directory.Lookup(a.Agent) == directory.Local {
			continue // a peer announcing an id we host locally is stale/misconfigured, ignore
		}
		_ = s.directory.RegisterRemote(a.Agent, node, endpoint) // conflicting binding: leave prior owner in place
	}
	s.directory.MarkNodeHealthy(node)
}

func errBody(msg string) map[string]string { return map[string]string{"error": msg} }
