package controllers

import (
	"net/http"

	"github.com/corvid-dl/corvid/internal/app"
	"github.com/corvid-dl/corvid/internal/domain"
	"github.com/labstack/echo/v5"
)

type StatusController struct {
	App *app.Context
}

type listResponse struct {
	Active  []*domain.Snapshot       `json:"active"`
	History []*domain.DownloadRecord `json:"history"`
}

// HandleList returns live sessions plus recent history.
func (ctrl *StatusController) HandleList(c *echo.Context) error {
	resp := listResponse{Active: []*domain.Snapshot{}, History: []*domain.DownloadRecord{}}

	if ctrl.App.Sessions != nil {
		resp.Active = ctrl.App.Sessions.Active()
	}
	if ctrl.App.Store != nil {
		history, err := ctrl.App.Store.ListDownloads(50)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if history != nil {
			resp.History = history
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// HandleGet returns one download: a live snapshot when the session is still
// running, otherwise its stored record.
func (ctrl *StatusController) HandleGet(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.String(http.StatusBadRequest, "Missing ID")
	}

	if ctrl.App.Sessions != nil {
		if snap := ctrl.App.Sessions.Get(id); snap != nil {
			return c.JSON(http.StatusOK, snap)
		}
	}
	if ctrl.App.Store != nil {
		rec, err := ctrl.App.Store.GetDownload(id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		if rec != nil {
			return c.JSON(http.StatusOK, rec)
		}
	}

	return c.NoContent(http.StatusNotFound)
}
