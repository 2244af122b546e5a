package handler

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed player.html
var playerPage string

// PlayerHandler serves the embedded player page. The page reads the u and
// title query parameters client-side and points hls.js at the inline proxy.
type PlayerHandler struct{}

// NewPlayerHandler creates a PlayerHandler.
func NewPlayerHandler() *PlayerHandler {
	return &PlayerHandler{}
}

// Page serves the static player markup.
func (h *PlayerHandler) Page(c echo.Context) error {
	return c.HTML(http.StatusOK, playerPage)
}
