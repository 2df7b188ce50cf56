// Package admin implements the HTTP collaborator the core gateway
// exposes device lookup, reply-topic publish, and liveness to: a daily
// bearer token gates two endpoints, using the same gin handler/response
// style as the rest of this module's HTTP surface, adapted from per-user
// JWT auth to the single shared-secret scheme this API uses.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// Core is the slice of the gateway the admin API is allowed to touch:
// publish a command on a device's reply topic, and probe liveness.
type Core interface {
	PublishToDevice(mac string, payload []byte) error
	IsAlive(mac string) bool
}

// Server is the standalone admin HTTP process/module. It never touches
// the pub/sub or UDP listeners directly.
type Server struct {
	core         Core
	correlator   *Correlator
	signatureKey string
	logger       *utils.Logger
	httpServer   *http.Server
}

// NewServer builds the admin Server; call Start to begin serving.
func NewServer(addr string, core Core, correlator *Correlator, signatureKey string, logger *utils.Logger) *Server {
	s := &Server{core: core, correlator: correlator, signatureKey: signatureKey, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api", s.authMiddleware())
	api.POST("/commands/:deviceId", s.postCommand)
	api.POST("/devices/status", s.postDevicesStatus)

	s.httpServer = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start blocks serving HTTP until Shutdown is called or it errors.
func (s *Server) Start() error {
	s.logger.Info("管理接口监听 %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests then stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	check := requireBearer(s.signatureKey)
	return func(c *gin.Context) {
		if !check(c.Request.Header) {
			utils.ErrorWithDetail(c, http.StatusUnauthorized, "无效的管理令牌", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// postCommand publishes the request body on deviceId's reply topic and
// waits up to 5s for the device's next non-session PUBLISH as the
// paired response.
func (s *Server) postCommand(c *gin.Context) {
	mac := c.Param("deviceId")

	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		utils.ErrorWithDetail(c, http.StatusBadRequest, "请求体必须是 JSON", err)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		utils.ErrorWithDetail(c, http.StatusInternalServerError, "编码命令失败", err)
		return
	}

	if err := s.core.PublishToDevice(mac, body); err != nil {
		utils.ErrorWithDetail(c, http.StatusNotFound, "设备未在线", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	reply, err := s.correlator.Await(ctx, mac)
	if err != nil {
		utils.ErrorWithDetail(c, http.StatusGatewayTimeout, "等待设备响应超时", err)
		return
	}

	c.Data(http.StatusOK, "application/json", reply)
}

// postDevicesStatus answers liveness for a batch of MACs in one round
// trip, so the admin UI doesn't poll per-device.
func (s *Server) postDevicesStatus(c *gin.Context) {
	var req struct {
		MACs []string `json:"macs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorWithDetail(c, http.StatusBadRequest, "请求体必须包含 macs 数组", err)
		return
	}

	status := make(map[string]bool, len(req.MACs))
	for _, mac := range req.MACs {
		status[mac] = s.core.IsAlive(mac)
	}
	utils.Success(c, status)
}
