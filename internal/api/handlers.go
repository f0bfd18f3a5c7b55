package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-dialer/internal/admission"
	"campaign-dialer/internal/apperr"
	"campaign-dialer/internal/lifecycle"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/store"
)

// Handlers holds the collaborators every route needs: the durable store for
// reads, the lifecycle machine for anything that mutates a CallRecord, and
// the metrics recorder for the GET /metrics rollup.
type Handlers struct {
	store              store.Store
	lifecycle          *lifecycle.Machine
	admission          *admission.Controller
	metrics            *metrics.Recorder
	logger             *zap.Logger
	maxConcurrentCalls int64
}

func NewHandlers(st store.Store, lc *lifecycle.Machine, adm *admission.Controller, rec *metrics.Recorder, logger *zap.Logger, maxConcurrentCalls int64) *Handlers {
	return &Handlers{
		store:              st,
		lifecycle:          lc,
		admission:          adm,
		metrics:            rec,
		logger:             logger,
		maxConcurrentCalls: maxConcurrentCalls,
	}
}

func writeErr(c *fiber.Ctx, ae *apperr.Error) error {
	status := ae.HTTPStatus
	if status == 0 {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(fiber.Map{"error": ae})
}

// normalizePhoneNumber strips the separators the source tolerates and
// checks the remaining digit run is 7 to 15 digits long.
func normalizePhoneNumber(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch r {
		case '+', '-', ' ', '(', ')':
			continue
		default:
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return raw, true
}

// --- Campaigns ---------------------------------------------------------

type createCampaignRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateCampaign handles POST /campaigns. Description is accepted but not
// part of the persisted data model (campaigns carry only name/active).
func (h *Handlers) CreateCampaign(c *fiber.Ctx) error {
	var req createCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return writeErr(c, apperr.BadRequest("invalid request body"))
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeErr(c, apperr.BadRequest("name is required"))
	}

	campaign := &store.Campaign{
		ID:        uuid.New(),
		Name:      req.Name,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateCampaign(c.Context(), campaign); err != nil {
		h.logger.Error("api: create campaign", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to create campaign"))
	}
	return c.Status(fiber.StatusCreated).JSON(campaign)
}

// ListCampaigns handles GET /campaigns.
func (h *Handlers) ListCampaigns(c *fiber.Ctx) error {
	campaigns, err := h.store.ListCampaigns(c.Context())
	if err != nil {
		h.logger.Error("api: list campaigns", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to list campaigns"))
	}
	return c.JSON(campaigns)
}

// GetCampaign handles GET /campaigns/:id.
func (h *Handlers) GetCampaign(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeErr(c, apperr.BadRequest("invalid campaign id"))
	}
	campaign, err := h.store.GetCampaign(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeErr(c, apperr.NotFound("campaign not found"))
		}
		h.logger.Error("api: get campaign", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to load campaign"))
	}
	return c.JSON(campaign)
}

// --- Phone numbers -------------------------------------------------------

type addPhoneNumbersRequest struct {
	CampaignID   uuid.UUID `json:"campaign_id"`
	PhoneNumbers []string  `json:"phone_numbers"`
}

// AddPhoneNumbers handles POST /phone-numbers.
func (h *Handlers) AddPhoneNumbers(c *fiber.Ctx) error {
	var req addPhoneNumbersRequest
	if err := c.BodyParser(&req); err != nil {
		return writeErr(c, apperr.BadRequest("invalid request body"))
	}
	if req.CampaignID == uuid.Nil || len(req.PhoneNumbers) == 0 {
		return writeErr(c, apperr.BadRequest("campaign_id and phone_numbers are required"))
	}

	if _, err := h.store.GetCampaign(c.Context(), req.CampaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeErr(c, apperr.NotFound("campaign not found"))
		}
		h.logger.Error("api: lookup campaign for phone-numbers", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to load campaign"))
	}

	valid := make([]string, 0, len(req.PhoneNumbers))
	errs := make(map[string]string)
	for _, n := range req.PhoneNumbers {
		if normalized, ok := normalizePhoneNumber(n); ok {
			valid = append(valid, normalized)
		} else {
			errs[n] = "invalid phone number"
		}
	}

	created, storeErrs, err := h.store.AddPhoneNumbers(c.Context(), req.CampaignID, valid)
	if err != nil {
		h.logger.Error("api: add phone numbers", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to add phone numbers"))
	}
	for k, v := range storeErrs {
		errs[k] = v
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"created_count":   len(created),
		"created_numbers": created,
		"errors":          errs,
	})
}

// --- Calls ---------------------------------------------------------------

type initiateCallRequest struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	PhoneNumber string    `json:"phone_number"`
}

// InitiateCall handles POST /initiate-call. A CapacityFull deflection to
// the PendingQueue still returns 201 with the CallRecord — by design the
// caller cannot distinguish queued from immediately dialing.
func (h *Handlers) InitiateCall(c *fiber.Ctx) error {
	var req initiateCallRequest
	if err := c.BodyParser(&req); err != nil {
		return writeErr(c, apperr.BadRequest("invalid request body"))
	}
	if req.CampaignID == uuid.Nil || req.PhoneNumber == "" {
		return writeErr(c, apperr.BadRequest("campaign_id and phone_number are required"))
	}
	number, ok := normalizePhoneNumber(req.PhoneNumber)
	if !ok {
		return writeErr(c, apperr.BadRequest("invalid phone_number"))
	}

	campaign, err := h.store.GetCampaign(c.Context(), req.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeErr(c, apperr.NotFound("campaign not found"))
		}
		h.logger.Error("api: lookup campaign for initiate", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to load campaign"))
	}
	if !campaign.Active {
		return writeErr(c, apperr.BadRequest("campaign is not active"))
	}

	record, _, err := h.lifecycle.Initiate(c.Context(), req.CampaignID, number)
	if err != nil {
		if errors.Is(err, lifecycle.ErrDuplicateInFlight) {
			return writeErr(c, apperr.TooManyRequests("a call to this number is already in flight"))
		}
		h.logger.Error("api: initiate call", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to initiate call"))
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

type bulkInitiateRequest struct {
	CampaignID         uuid.UUID `json:"campaign_id"`
	PhoneNumbers       []string  `json:"phone_numbers"`
	UseCampaignNumbers bool      `json:"use_campaign_numbers"`
}

// BulkInitiateCalls handles POST /bulk-initiate-calls: one Lifecycle.Initiate
// call per number, tallying immediate admission against queue deflection.
func (h *Handlers) BulkInitiateCalls(c *fiber.Ctx) error {
	var req bulkInitiateRequest
	if err := c.BodyParser(&req); err != nil {
		return writeErr(c, apperr.BadRequest("invalid request body"))
	}
	if req.CampaignID == uuid.Nil {
		return writeErr(c, apperr.BadRequest("campaign_id is required"))
	}

	campaign, err := h.store.GetCampaign(c.Context(), req.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeErr(c, apperr.NotFound("campaign not found"))
		}
		h.logger.Error("api: lookup campaign for bulk initiate", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to load campaign"))
	}

	numbers := req.PhoneNumbers
	if req.UseCampaignNumbers {
		phoneNumbers, err := h.store.ListPhoneNumbers(c.Context(), req.CampaignID)
		if err != nil {
			h.logger.Error("api: list campaign phone numbers", zap.Error(err))
			return writeErr(c, apperr.Internal("failed to load campaign phone numbers"))
		}
		numbers = numbers[:0]
		for _, p := range phoneNumbers {
			if p.Active {
				numbers = append(numbers, p.Number)
			}
		}
	}
	if !campaign.Active {
		return writeErr(c, apperr.BadRequest("campaign is not active"))
	}
	if len(numbers) == 0 {
		return writeErr(c, apperr.BadRequest("no phone numbers to dial"))
	}

	batchID := uuid.New()
	callIDs := make([]uuid.UUID, 0, len(numbers))
	failed := make(map[string]string)
	immediate, queued := 0, 0

	for _, raw := range numbers {
		number, ok := normalizePhoneNumber(raw)
		if !ok {
			failed[raw] = "invalid phone number"
			continue
		}
		record, wasQueued, err := h.lifecycle.Initiate(c.Context(), req.CampaignID, number)
		if err != nil {
			if errors.Is(err, lifecycle.ErrDuplicateInFlight) {
				failed[raw] = "duplicate call in flight"
			} else {
				h.logger.Error("api: bulk initiate", zap.String("number", raw), zap.Error(err))
				failed[raw] = "failed to initiate"
			}
			continue
		}
		callIDs = append(callIDs, record.CallID)
		if wasQueued {
			queued++
		} else {
			immediate++
		}
	}

	available, err := h.admission.AvailableSlots(c.Context())
	if err != nil {
		available = 0
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"batch_id":            batchID,
		"total_requested":     len(numbers),
		"immediate_processed": immediate,
		"queued_for_later":    queued,
		"failed":              failed,
		"call_ids":            callIDs,
		"queue_info": fiber.Map{
			"available_slots":      available,
			"max_concurrent_calls": h.maxConcurrentCalls,
		},
	})
}

type callbackRequest struct {
	CallID         uuid.UUID `json:"call_id"`
	Status         string    `json:"status"`
	CallDuration   *int      `json:"call_duration,omitempty"`
	ExternalCallID *string   `json:"external_call_id,omitempty"`
}

// HandleCallback handles PUT /callback.
func (h *Handlers) HandleCallback(c *fiber.Ctx) error {
	var req callbackRequest
	if err := c.BodyParser(&req); err != nil {
		return writeErr(c, apperr.BadRequest("invalid request body"))
	}
	if req.CallID == uuid.Nil {
		return writeErr(c, apperr.BadRequest("call_id is required"))
	}
	if !store.ValidCallbackStatus(req.Status) {
		return writeErr(c, apperr.BadRequest(fmt.Sprintf("invalid status %q", req.Status)))
	}

	err := h.lifecycle.HandleCallback(c.Context(), req.CallID, req.Status, req.CallDuration, req.ExternalCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeErr(c, apperr.NotFound("call not found"))
		}
		h.logger.Error("api: handle callback", zap.String("call_id", req.CallID.String()), zap.Error(err))
		ae := apperr.ServiceUnavailable("transient failure processing callback")
		c.Set("Retry-After", "5")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":       ae,
			"retry_after": 5,
		})
	}
	return c.SendStatus(fiber.StatusOK)
}

// Metrics handles the GET /metrics JSON summary (distinct from the
// Prometheus text exposition, which routes.go serves on its own route,
// GET /metrics/prometheus).
func (h *Handlers) Metrics(c *fiber.Ctx) error {
	available, err := h.admission.AvailableSlots(c.Context())
	if err != nil {
		h.logger.Error("api: available slots", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to compute available slots"))
	}
	current := h.maxConcurrentCalls - available
	if current < 0 {
		current = 0
	}

	snapshot, err := h.metrics.Snapshot(c.Context(), current, h.maxConcurrentCalls)
	if err != nil {
		h.logger.Error("api: metrics snapshot", zap.Error(err))
		return writeErr(c, apperr.Internal("failed to load metrics"))
	}
	return c.JSON(snapshot)
}

// --- Health ---------------------------------------------------------------

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "time": time.Now().Unix()})
}

func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if err := h.store.Health(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
