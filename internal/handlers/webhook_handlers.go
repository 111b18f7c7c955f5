package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billingsync/internal/caching"
	"billingsync/internal/lifecycle"
	"billingsync/internal/metrics"
	"billingsync/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

const providerStripe = "stripe"

// WebhookHandlers handles billing provider webhooks
type WebhookHandlers struct {
	reconciler services.ReconciliationService
	cache      caching.CacheService
	archive    services.ArchiveService
	secret     string
	dedupTTL   time.Duration
}

type webhookReceivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
	Ignored   bool `json:"ignored,omitempty"`
}

// NewWebhookHandlers creates a new webhook handlers instance. cache and archive may be nil.
func NewWebhookHandlers(
	reconciler services.ReconciliationService,
	cache caching.CacheService,
	archive services.ArchiveService,
	secret string,
	dedupTTL time.Duration,
) *WebhookHandlers {
	if archive == nil {
		archive = services.NewNoopArchiveService()
	}
	return &WebhookHandlers{
		reconciler: reconciler,
		cache:      cache,
		archive:    archive,
		secret:     secret,
		dedupTTL:   dedupTTL,
	}
}

// StripeWebhook handles POST /webhooks/stripe
// @Summary      Stripe webhook ingress
// @Description  Verifies the Stripe-Signature header and reconciles the event
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Success      200  {object}  webhookReceivedResponse
// @Failure      400  {object}  common.ErrorResponse
// @Failure      401  {object}  common.ErrorResponse
// @Failure      404  {object}  common.ErrorResponse
// @Failure      503  {object}  common.ErrorResponse
// @Router       /webhooks/stripe [post]
func (h *WebhookHandlers) StripeWebhook(c echo.Context) error {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	reply := func(code int, body any) error {
		status = code
		return c.JSON(code, body)
	}

	if strings.TrimSpace(h.secret) == "" {
		return reply(http.StatusServiceUnavailable, errorBody(codeUnavailable, "webhook secret not configured"))
	}

	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, webhookBodyLimit)
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return reply(http.StatusRequestEntityTooLarge, errorBody(codePayloadTooBig, "request body exceeds 1 MiB"))
		}
		return reply(http.StatusBadRequest, errorBody(codeClientError, "failed to read request body"))
	}

	sigHeader := req.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		return reply(http.StatusUnauthorized, errorBody(codeUnauthorized, "missing Stripe signature"))
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Stripe webhook rejected")
		return reply(http.StatusUnauthorized, errorBody(codeUnauthorized, lifecycle.ErrSignatureInvalid.Error()))
	}
	eventType = string(event.Type)
	ctx := req.Context()
	logger := log.With().Str("event_id", event.ID).Str("type", eventType).Logger()

	if h.cache != nil {
		seen, err := h.cache.IsEventProcessed(ctx, event.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("webhook dedup lookup failed")
		} else if seen {
			logger.Debug().Msg("Stripe webhook already processed")
			return reply(http.StatusOK, webhookReceivedResponse{Received: true, Duplicate: true})
		}
	}

	if err := h.archive.ArchiveWebhook(ctx, providerStripe, event.ID, payload, start); err != nil {
		logger.Warn().Err(err).Msg("webhook archive failed")
	}

	ev, err := toLifecycleEvent(&event)
	switch {
	case errors.Is(err, errUnmappable):
		logger.Warn().Err(err).Msg("Stripe webhook ignored (unmappable payload)")
		h.markProcessed(c, event.ID)
		return reply(http.StatusOK, webhookReceivedResponse{Received: true, Ignored: true})
	case err != nil:
		logger.Warn().Err(err).Msg("Stripe webhook payload malformed")
		return reply(http.StatusBadRequest, errorBody(codeClientError, "malformed event payload"))
	case ev == nil:
		logger.Info().Msg("Stripe webhook ignored (unhandled type)")
		h.markProcessed(c, event.ID)
		return reply(http.StatusOK, webhookReceivedResponse{Received: true, Ignored: true})
	}

	if _, err := h.reconciler.Reconcile(ctx, ev); err != nil {
		code, body, ack := webhookFailure(ev, err)
		if ack {
			logger.Warn().Err(err).Msg("Stripe webhook acknowledged without change")
			h.markProcessed(c, event.ID)
			return reply(http.StatusOK, webhookReceivedResponse{Received: true, Ignored: true})
		}
		if code >= http.StatusInternalServerError {
			logger.Error().Err(err).Msg("Stripe webhook processing failed")
		} else {
			logger.Warn().Err(err).Msg("Stripe webhook target missing")
		}
		return reply(code, body)
	}

	h.markProcessed(c, event.ID)
	return reply(http.StatusOK, webhookReceivedResponse{Received: true})
}

// webhookFailure decides how a reconcile error is reported back to the provider.
// ack means the event is dropped with a 200 so the provider stops re-delivering it.
func webhookFailure(ev lifecycle.Event, err error) (int, any, bool) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrProviderRejected):
		return http.StatusOK, nil, true
	case errors.Is(err, lifecycle.ErrNotFound):
		switch ev.(type) {
		case lifecycle.CheckoutCompleted, lifecycle.RemoteSubscriptionDeleted:
			return http.StatusOK, nil, true
		}
		return http.StatusNotFound, errorBody(codeNotFound, "subscription not found"), false
	case errors.Is(err, lifecycle.ErrConflict), errors.Is(err, lifecycle.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, errorBody(codeUnavailable, "retry later"), false
	default:
		return http.StatusInternalServerError, errorBody(codeServerError, "processing failed"), false
	}
}

func (h *WebhookHandlers) markProcessed(c echo.Context, eventID string) {
	if h.cache == nil {
		return
	}
	if _, err := h.cache.MarkEventProcessed(c.Request().Context(), eventID, h.dedupTTL); err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("webhook dedup mark failed")
	}
}
