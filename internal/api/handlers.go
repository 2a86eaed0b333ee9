package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"widget-datacache/internal/cache"
	"widget-datacache/internal/discriminator"
	"widget-datacache/internal/models"
	"widget-datacache/internal/repository"
	"widget-datacache/internal/service/definitions"
	"widget-datacache/internal/service/poller"
	"widget-datacache/pkg/log"
)

type handlers struct {
	dataCache *cache.DataCache
	defs      *definitions.Snapshot
	widgets   repository.WidgetConfigRepository
	scheduler *poller.PollScheduler
	logger    zerolog.Logger
}

func newHandlers(
	dataCache *cache.DataCache,
	defs *definitions.Snapshot,
	widgets repository.WidgetConfigRepository,
	scheduler *poller.PollScheduler,
) *handlers {
	return &handlers{
		dataCache: dataCache,
		defs:      defs,
		widgets:   widgets,
		scheduler: scheduler,
		logger:    log.Logger.With().Str("component", "api_handlers").Logger(),
	}
}

type widgetDataResponse struct {
	Payload      map[string]interface{} `json:"payload"`
	Version      int64                  `json:"version"`
	Status       string                 `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	FetchedAt    *time.Time             `json:"fetched_at,omitempty"`
	RefreshAt    *time.Time             `json:"refresh_at,omitempty"`
}

// getWidgetData is the device read path. It never blocks on an in-flight
// fetch and never fails because of one; a widget with no data yet gets an
// empty pending envelope rather than an error.
func (h *handlers) getWidgetData(c *gin.Context) {
	widgetID, err := uuid.Parse(c.Param("widgetID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid widget id"})
		return
	}

	widget, err := h.widgets.GetWidgetConfiguration(widgetID)
	if errors.Is(err, repository.ErrWidgetConfigNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "widget not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load widget configuration"})
		return
	}
	if !widget.Active {
		c.JSON(http.StatusNotFound, gin.H{"error": "widget not found"})
		return
	}

	def, err := h.defs.Get(widget.IntegrationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load integration definition"})
		return
	}

	discriminatorID, err := discriminator.Resolve(def, widget.OrganizationID, widget.WidgetID, widget.Options)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.dataCache.Get(def.ID, discriminatorID)
	if errors.Is(err, repository.ErrEntryNotFound) {
		c.JSON(http.StatusOK, widgetDataResponse{
			Payload: map[string]interface{}{},
			Version: 0,
			Status:  models.EntryStatusPending.String(),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cache entry"})
		return
	}

	if touchErr := h.dataCache.Touch(def.ID, discriminatorID); touchErr != nil {
		h.logger.Warn().Err(touchErr).Str("discriminator_id", discriminatorID).Msg("Failed to touch cache entry")
	}

	response := widgetDataResponse{
		Payload:   entry.Payload,
		Version:   entry.Version,
		Status:    entry.Status.String(),
		FetchedAt: &entry.FetchedAt,
		RefreshAt: &entry.RefreshAt,
	}
	if entry.ErrorMessage != nil {
		response.ErrorMessage = *entry.ErrorMessage
	}
	c.JSON(http.StatusOK, response)
}

// triggerPoll is the admin "refresh now" action.
func (h *handlers) triggerPoll(c *gin.Context) {
	orgID, err := uuid.Parse(c.Param("orgID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization id"})
		return
	}
	widgetID, err := uuid.Parse(c.Param("widgetID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid widget id"})
		return
	}

	err = h.scheduler.TriggerPoll(c.Request.Context(), orgID, widgetID)
	if errors.Is(err, repository.ErrWidgetConfigNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "widget not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "poll scheduled"})
}

type pushRequest struct {
	OrganizationID uuid.UUID              `json:"organization_id" binding:"required"`
	WidgetID       uuid.UUID              `json:"widget_id"`
	Options        map[string]interface{} `json:"options"`
	Payload        map[string]interface{} `json:"payload" binding:"required"`
}

// pushData ingests a push-mode delivery from a provider. The payload is
// committed through the same versioning path as a pull so consumers see a
// single monotonic version sequence per cache line.
func (h *handlers) pushData(c *gin.Context) {
	// Wildcard params carry the leading slash; webhook paths are stored
	// without one.
	webhookPath := strings.TrimPrefix(c.Param("webhookPath"), "/")

	def, err := h.defs.GetByWebhookPath(webhookPath)
	if errors.Is(err, repository.ErrDefinitionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown webhook path"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load integration definition"})
		return
	}
	if !def.Active || !def.Mode.HasPush() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown webhook path"})
		return
	}

	var request pushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	options, err := models.OptionMapFromRaw(request.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if def.SharingPolicy == models.SharingWidgetConfig && request.WidgetID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "widget_id is required for this integration"})
		return
	}

	discriminatorID, err := discriminator.Resolve(def, request.OrganizationID, request.WidgetID, options)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.dataCache.StorePushed(
		c.Request.Context(),
		def,
		request.OrganizationID,
		discriminatorID,
		request.Payload,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store pushed data"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"version": entry.Version, "status": entry.Status.String()})
}
