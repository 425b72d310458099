package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/EstateHub/internal/storage"
	"github.com/KevinKickass/EstateHub/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Hub.Status())
}

// GET /api/v1/sessions
func (s *Server) listSessions(c *gin.Context) {
	sessions := s.deps.Hub.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.deps.Devices.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponseFromErr(types.CodeStoreFailure, "Failed to list devices", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// POST /api/v1/devices/sync
func (s *Server) syncDevices(c *gin.Context) {
	n, err := s.deps.Registry.SyncDevices(c.Request.Context())
	if err != nil {
		s.logger.Warn("Device sync failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, types.NewErrorResponseFromErr(types.CodeRegistryFailed, "Registry sync failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"synced": n})
}

// POST /api/v1/devices/:id/toggle
func (s *Server) toggleDevice(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadDeviceID, "Invalid device id", c.Param("id")))
		return
	}

	if _, err := s.deps.Devices.FindByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeDeviceNotFound, "Device not found", nil))
			return
		}
		c.JSON(http.StatusInternalServerError, types.NewErrorResponseFromErr(types.CodeStoreFailure, "Failed to load device", err))
		return
	}

	if err := s.deps.Bus.SendInstruction(id); err != nil {
		c.JSON(http.StatusBadGateway, types.NewErrorResponseFromErr(types.CodeBusFailed, "Failed to publish toggle", err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"device":      id,
		"instruction": types.InstructionToggle,
	})
}
