package daemon

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	"github.com/AvaProtocol/ap-wallet/core/auth"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type healthResp struct {
	Status   Status   `json:"status"`
	Version  string   `json:"version"`
	Networks []string `json:"networks"`
}

func (d *Daemon) newHttpServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if d.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/health", func(c echo.Context) error {
		networks := make([]string, 0, len(d.runtimes))
		for _, name := range d.networks() {
			if _, ok := d.runtimes[name]; ok {
				networks = append(networks, name)
			}
		}
		code := http.StatusOK
		if d.Status() != runningStatus {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, &HttpJsonResp[healthResp]{Data: healthResp{
			Status:   d.Status(),
			Version:  version.Get(),
			Networks: networks,
		}})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))

	ops := e.Group("/operations")
	if len(d.config.JwtSecret) > 0 {
		ops.Use(d.requireAPIKey)
	}
	ops.GET("/:id", func(c echo.Context) error {
		data, err := d.db.GetKey([]byte(aaengine.OperationPrefix + c.Param("id")))
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "operation not found"})
		}
		if err != nil {
			return err
		}
		rec := &model.OperationRecord{}
		if err := rec.FromStorageData(data); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[*model.OperationRecord]{Data: rec})
	})

	return e
}

// requireAPIKey rejects requests without a valid readable API key.
// Operation records carry user phone numbers.
func (d *Daemon) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := auth.VerifyAuthHeader(d.config.JwtSecret, c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			d.logger.Debug("rejected api key", "path", c.Path(), "error", err)
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": auth.ErrorUnAuthorized.Error()})
		}
		c.Set("api_subject", claims.Subject)
		return next(c)
	}
}

func (d *Daemon) startHttpServer() {
	d.http = d.newHttpServer()
	addr := d.config.MetricsAddress
	d.logger.Info("http server listening", "address", addr)
	go func() {
		if err := d.http.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("http server stopped; continuing without ops endpoint", "address", addr, "error", err)
		}
	}()
}
