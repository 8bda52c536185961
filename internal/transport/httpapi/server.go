package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/health"
	"github.com/vladislavdragonenkov/orderflow/internal/service/order"
)

const (
	serviceName     = "order-api"
	maxRequestBytes = 1 << 20
)

// Коды ошибок в JSON ответах
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidOrder   = "invalid_order"
	CodeOrderNotFound  = "order_not_found"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

// OrderService: операции над заказами, нужные API.
type OrderService interface {
	Submit(ctx context.Context, req order.SubmitRequest) (domain.Order, error)
	Fetch(ctx context.Context, id string) (domain.Order, error)
}

type submitRequest struct {
	CustomerName string      `json:"customerName"`
	Items        []string    `json:"items"`
	Total        json.Number `json:"total"`
}

type submitResponse struct {
	OrderID string `json:"orderId"`
}

// orderResponse: сохранённое представление заказа.
type orderResponse struct {
	OrderID      string             `json:"orderId"`
	CustomerName string             `json:"customerName"`
	Items        []string           `json:"items"`
	Total        json.Number        `json:"total"`
	CreatedAt    string             `json:"createdAt"`
	Status       domain.OrderStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server: HTTP API заказов.
type Server struct {
	echo   *echo.Echo
	orders OrderService
	logger *log.Entry
}

// NewServer собирает echo с маршрутами заказов, health и метрик.
func NewServer(orders OrderService, healthHandler *health.Handler, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, orders: orders, logger: logger}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(log.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}).Debug("http request")
			return nil
		},
	}))

	e.POST("/orders", s.submitOrder)
	e.GET("/orders/:id", s.getOrder)

	if healthHandler != nil {
		e.GET("/healthz", echo.WrapHandler(healthHandler))
		e.GET("/readyz", echo.WrapHandler(http.HandlerFunc(healthHandler.ReadinessHandler)))
	}
	e.GET("/livez", echo.WrapHandler(http.HandlerFunc(health.LivenessHandler)))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Handler возвращает http.Handler для http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) submitOrder(c echo.Context) error {
	var body submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(c.Response(), c.Request().Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error(), Code: CodeInvalidRequest})
	}

	if strings.TrimSpace(body.Total.String()) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "total is required", Code: CodeInvalidOrder})
	}
	total, err := decimal.NewFromString(body.Total.String())
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("total is not a decimal: %v", err), Code: CodeInvalidOrder})
	}

	created, err := s.orders.Submit(c.Request().Context(), order.SubmitRequest{
		CustomerName: body.CustomerName,
		Items:        body.Items,
		Total:        total,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, submitResponse{OrderID: created.ID})
}

func (s *Server) getOrder(c echo.Context) error {
	found, err := s.orders.Fetch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toOrderResponse(found))
}

func toOrderResponse(o domain.Order) orderResponse {
	items := o.Items
	if items == nil {
		items = []string{}
	}
	return orderResponse{
		OrderID:      o.ID,
		CustomerName: o.CustomerName,
		Items:        items,
		Total:        json.Number(o.Total.StringFixed(2)),
		CreatedAt:    o.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Status:       o.Status,
	}
}

// handleError переводит ошибки домена и echo в JSON конверт {error, code}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := http.StatusInternalServerError, errorResponse{Error: "internal error", Code: CodeInternal}
	var httpErr *echo.HTTPError
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		status, body = http.StatusBadRequest, errorResponse{Error: err.Error(), Code: CodeInvalidOrder}
	case errors.Is(err, domain.ErrOrderNotFound):
		status, body = http.StatusNotFound, errorResponse{Error: "order not found", Code: CodeOrderNotFound}
	case errors.As(err, &httpErr):
		status = httpErr.Code
		body = errorResponse{Error: fmt.Sprint(httpErr.Message), Code: CodeInvalidRequest}
		if status == http.StatusNotFound {
			body.Code = CodeNotFound
		}
	default:
		s.logger.WithError(err).WithField("uri", c.Request().RequestURI).Error("request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to write error response")
	}
}
