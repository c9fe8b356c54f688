// Package api exposes a read-only HTTP view of cluster state, using
// the same minimal gin.New()/engine.GET wiring as the rest of this
// stack but serving cluster introspection instead of key-value
// storage: the CLUSTER INFO, CLUSTER NODES, CLUSTER SHARDS, and route
// lookup equivalents. Every handler here delegates to cluster.Admin so
// the admin surface itself (§6) has exactly one implementation.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/code-100-precent/clusterbus/cluster"
)

// Server is the HTTP introspection surface for one cluster node.
type Server struct {
	admin  *cluster.Admin
	engine *gin.Engine
}

// New builds a Server backed by admin. Client command dispatch, admin
// mutation endpoints (MEET/FORGET/FAILOVER/...), and TLS termination
// are out of scope; this surface is read-only.
func New(admin *cluster.Admin) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	srv := &Server{admin: admin, engine: engine}
	engine.GET("/cluster/info", srv.handleInfo)
	engine.GET("/cluster/nodes", srv.handleNodes)
	engine.GET("/cluster/shards", srv.handleShards)
	engine.GET("/cluster/route", srv.handleRoute)
	return srv
}

// Run starts the HTTP listener on addr. Blocks until the listener
// fails or is closed.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleInfo(c *gin.Context) {
	c.String(http.StatusOK, s.admin.Info())
}

func (s *Server) handleNodes(c *gin.Context) {
	c.String(http.StatusOK, s.admin.NodesDescription())
}

func (s *Server) handleShards(c *gin.Context) {
	type shardView struct {
		PrimaryID string   `json:"primary_id"`
		Slots     []int    `json:"slots"`
		Replicas  []string `json:"replicas"`
	}
	views := s.admin.Shards()
	out := make([]shardView, 0, len(views))
	for _, v := range views {
		out = append(out, shardView{PrimaryID: v.PrimaryID, Slots: v.Slots, Replicas: v.Replicas})
	}
	c.JSON(http.StatusOK, out)
}

// handleRoute exposes `route(keys)` (§6) for a single key given as a
// query parameter, e.g. GET /cluster/route?key=foo. It never mutates
// state, so it stays on the read-only surface alongside info/nodes/shards.
func (s *Server) handleRoute(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.String(http.StatusBadRequest, "missing key parameter")
		return
	}
	result := s.admin.Route([][]byte{[]byte(key)})
	c.JSON(cluster.RouteHTTPStatus(result), gin.H{
		"decision": result.Decision.String(),
		"node":     result.Node,
		"slot":     result.Slot,
		"ask":      result.AskFlag,
	})
}
