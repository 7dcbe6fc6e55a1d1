// Package webui embeds the session playground: a single page that drives
// the /v1/sessions API from the browser.
package webui

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v5"
)

//go:embed static/*
var staticFS embed.FS

// StaticFS returns the embedded static files.
func StaticFS() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// Register serves the playground at /.
func Register(e *echo.Echo) {
	page, err := fs.ReadFile(StaticFS(), "index.html")
	if err != nil {
		panic(err)
	}
	e.GET("/", func(c *echo.Context) error {
		return c.HTML(http.StatusOK, string(page))
	})
}
