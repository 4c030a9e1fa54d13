package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/broadcast"
	"github.com/KaushikKC/CharmPay/internal/charms"
	"github.com/KaushikKC/CharmPay/internal/funding"
	"github.com/KaushikKC/CharmPay/internal/metrics"
	"github.com/KaushikKC/CharmPay/internal/subscription"
	"github.com/KaushikKC/CharmPay/internal/wallet"
)

// Service is the subscription lifecycle surface exposed over HTTP.
type Service interface {
	Create(ctx context.Context, req subscription.CreateRequest) (*subscription.Subscription, error)
	Get(ctx context.Context, id string) (*subscription.Subscription, error)
	List(ctx context.Context) ([]*subscription.Subscription, error)
	ExecutePayment(ctx context.Context, id string) (*subscription.Subscription, error)
	Cancel(ctx context.Context, id string) (*subscription.Subscription, error)
	ResumeSpellBroadcast(ctx context.Context, id string) (*subscription.Subscription, error)
}

// Handler wires the subscription service into echo routes.
type Handler struct {
	service Service
	logger  *logrus.Logger
}

func NewHandler(service Service, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts all routes on the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(metrics.HTTPMiddleware())

	e.GET("/healthz", h.health)
	e.POST("/subscriptions", h.create)
	e.GET("/subscriptions", h.list)
	e.GET("/subscriptions/:id", h.get)
	e.POST("/subscriptions/:id/payments", h.executePayment)
	e.POST("/subscriptions/:id/cancel", h.cancel)
	e.POST("/subscriptions/:id/broadcast-spell", h.resumeBroadcast)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	ID              string `json:"id,omitempty"`
	PayerAddress    string `json:"payer_address"`
	MerchantAddress string `json:"merchant_address"`
	AmountPerCycle  uint64 `json:"amount_per_cycle"`
	IntervalSeconds int64  `json:"billing_interval_seconds"`
	TotalLocked     uint64 `json:"total_locked"`
}

func (h *Handler) create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sub, err := h.service.Create(c.Request().Context(), subscription.CreateRequest{
		ID:              req.ID,
		PayerAddress:    req.PayerAddress,
		MerchantAddress: req.MerchantAddress,
		AmountPerCycle:  req.AmountPerCycle,
		BillingInterval: time.Duration(req.IntervalSeconds) * time.Second,
		TotalLocked:     req.TotalLocked,
	})
	if err != nil {
		return h.mapError(c, err, sub)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) list(c echo.Context) error {
	subs, err := h.service.List(c.Request().Context())
	if err != nil {
		return h.mapError(c, err, nil)
	}
	return c.JSON(http.StatusOK, subs)
}

func (h *Handler) get(c echo.Context) error {
	sub, err := h.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(c, err, nil)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) executePayment(c echo.Context) error {
	sub, err := h.service.ExecutePayment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(c, err, sub)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) cancel(c echo.Context) error {
	sub, err := h.service.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(c, err, sub)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) resumeBroadcast(c echo.Context) error {
	sub, err := h.service.ResumeSpellBroadcast(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapError(c, err, nil)
	}
	return c.JSON(http.StatusOK, sub)
}

// mapError translates the service error taxonomy to HTTP statuses.
// Partial broadcasts return the commit txid and the resume route so a
// client can recover without operator help.
func (h *Handler) mapError(c echo.Context, err error, sub *subscription.Subscription) error {
	var (
		validation *charms.ValidationError
		conflict   *charms.ConflictError
		transport  *charms.TransportError
		exhaustion *funding.ExhaustionError
		rejected   *wallet.SigningRejectedError
		partial    *broadcast.PartialBroadcastError
	)

	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, subscription.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, subscription.ErrTerminal),
		errors.Is(err, subscription.ErrInsufficientBalance),
		errors.Is(err, subscription.ErrPendingBroadcast),
		errors.Is(err, subscription.ErrNothingPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &partial):
		body := map[string]any{
			"error":     err.Error(),
			"commit_tx": partial.CommitTxID,
		}
		if sub != nil {
			body["subscription_id"] = sub.ID
			body["resume"] = "/subscriptions/" + sub.ID + "/broadcast-spell"
		}
		return c.JSON(http.StatusBadGateway, body)
	case errors.As(err, &rejected):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &exhaustion), errors.Is(err, funding.ErrNoFunding):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &conflict), errors.As(err, &transport):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	h.logger.WithError(err).Error("request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
