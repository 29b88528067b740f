package controller

import (
	"context"
	"errors"
	"net/http"

	webhookApp "github.com/cassiomorais/paymentflow/internal/application/webhook"
	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
)

// WebhookIngestor applies provider callbacks.
type WebhookIngestor interface {
	Ingest(ctx context.Context, providerEventID, kind string, payload []byte) (*webhookApp.Result, error)
}

// WebhookController receives provider callbacks.
type WebhookController struct {
	ingestor WebhookIngestor
}

func NewWebhookController(ingestor WebhookIngestor) *WebhookController {
	return &WebhookController{ingestor: ingestor}
}

// Receive handles POST /webhooks/provider. A re-delivered callback is
// acknowledged with 200 and status "duplicate". An out-of-order callback
// answers 409 so the provider delivers it again later.
func (h *WebhookController) Receive(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, errors.Join(domainErrors.ErrInvalidWebhook, err))
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), req.ID, req.Type, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := WebhookResponse{Status: "applied"}
	switch {
	case res.Duplicate:
		resp.Status = "duplicate"
	case !res.Applied:
		resp.Status = "unchanged"
	}
	if res.Payment != nil {
		resp.PaymentID = res.Payment.ID.String()
		resp.Payment = string(res.Payment.Status)
	}
	writeJSON(w, http.StatusOK, resp)
}
