package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/model"
	"github.com/jakechorley/shift-notifier/pkg/core/services"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

var validate = validator.New()

type dispatchResponse struct {
	Processed  int   `json:"processed"`
	Sent       int   `json:"sent"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

// handleDispatch runs the dispatcher once with the configured bounds
func (s *Server) handleDispatch() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := s.deps.Dispatcher.Run(c.Request.Context(), services.DispatchOptionsFromConfig(s.cfg.Dispatch))
		if err != nil {
			s.logger.Error("Dispatch run failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed"})
			return
		}

		c.JSON(http.StatusOK, dispatchResponse{
			Processed:  result.Processed,
			Sent:       result.Sent,
			Failed:     result.Failed,
			DurationMs: result.DurationMs(),
		})
	}
}

type expandRequest struct {
	LookaheadDays *int `json:"lookaheadDays"`
	NotifyHourUTC *int `json:"notifyHourUtc"`
}

// handleExpandRules expands active rules. Out of range inputs are clamped.
func (s *Server) handleExpandRules() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req expandRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}

		lookahead := s.cfg.Rules.LookaheadDays
		if req.LookaheadDays != nil {
			lookahead = *req.LookaheadDays
		}
		notifyHour := s.cfg.Rules.NotifyHourUTC
		if req.NotifyHourUTC != nil {
			notifyHour = *req.NotifyHourUTC
		}

		result, err := s.deps.Expander.ExpandActiveRules(c.Request.Context(), s.deps.RuleStore, services.ExpandOptions{
			LookaheadDays: clamp(lookahead, 1, services.MaxLookaheadDays),
			NotifyHourUTC: clamp(notifyHour, 0, 23),
			Now:           s.now(),
		})
		if err != nil {
			s.logger.Error("Rule expansion failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rule expansion failed"})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

type shiftEventRequest struct {
	Event model.ShiftEventKind `json:"event"`
	Shift model.ScheduledShift `json:"shift"`
}

// handleShiftEvent feeds a shift mutation to the occurrence notifier. The
// notifier never fails the caller, so any valid event is accepted.
func (s *Server) handleShiftEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req shiftEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if !req.Event.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event must be one of created, updated, deleted"})
			return
		}
		if err := validate.Struct(req.Shift); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shift", "details": err.Error()})
			return
		}

		s.deps.Notifier.HandleEvent(c.Request.Context(), req.Event, req.Shift)

		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event": req.Event, "occurrenceId": req.Shift.ID})
	}
}

// handleNotice enqueues an admin notice for each listed user
func (s *Server) handleNotice() gin.HandlerFunc {
	return func(c *gin.Context) {
		var notice services.Notice
		if err := c.ShouldBindJSON(&notice); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		result, err := services.SendNotice(c.Request.Context(), s.deps.Enqueuer, s.deps.Renderer, s.logger, notice, s.now())
		if err != nil {
			if errors.Is(err, db.ErrInvalidRequest) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			s.logger.Error("Failed to enqueue notice", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue notice"})
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
