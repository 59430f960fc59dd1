package cmd

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.pilab.hu/hoomi/log"
)

const callbackPath = "/callback"

type callbackHandler interface {
	HandleCallback(ctx context.Context, callbackURL string) error
}

// newCallbackServer builds the loopback server receiving the authorization
// redirect. With a non-nil gatherer it also serves /metrics.
func newCallbackServer(h callbackHandler, gatherer prometheus.Gatherer, logger log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET(callbackPath, func(c echo.Context) error {
		req := c.Request()
		callbackURL := "http://" + req.Host + req.URL.RequestURI()

		if err := h.HandleCallback(req.Context(), callbackURL); err != nil {
			logger.Error(req.Context(), "authorization callback failed", err)
			return c.String(http.StatusBadGateway, "Login failed: "+err.Error()+"\n")
		}
		return c.String(http.StatusOK, "You can close this window and return to the terminal.\n")
	})

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})))
	}
	return e
}
