package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/consultlaw/consultpay-gobackend/internal/models"
	"github.com/consultlaw/consultpay-gobackend/internal/services"
)

type PaymentHandler struct {
	service   *services.PaymentService
	jwtSecret []byte
	log       zerolog.Logger
}

// NewPaymentHandler takes the JWT signing secret from the composition
// root so it is read after .env loading, not at package init.
func NewPaymentHandler(service *services.PaymentService, jwtSecret []byte, log zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:   service,
		jwtSecret: jwtSecret,
		log:       log.With().Str("component", "payment_handler").Logger(),
	}
}

// authorize verifies the Bearer JWT on mutating payment routes.
func (h *PaymentHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		http.Error(w, `{"error":"Authorization header required"}`, http.StatusUnauthorized)
		return false
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		http.Error(w, `{"error":"Invalid token"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	result := h.service.CreatePayment(r.Context(), &req)
	writeResult(w, result, http.StatusCreated)
}

func (h *PaymentHandler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	var body struct {
		CallSessionID string `json:"call_session_id"`
	}
	// Body is optional for capture.
	_ = json.NewDecoder(r.Body).Decode(&body)

	result := h.service.CapturePayment(r.Context(), transactionID, body.CallSessionID)
	writeResult(w, result, http.StatusOK)
}

func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	var body struct {
		Reason        string   `json:"reason"`
		Amount        *float64 `json:"amount,omitempty"`
		CallSessionID string   `json:"call_session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		http.Error(w, `{"error":"Refund reason is required"}`, http.StatusBadRequest)
		return
	}

	result := h.service.RefundPayment(r.Context(), transactionID, body.Reason, body.CallSessionID, body.Amount)
	writeResult(w, result, http.StatusOK)
}

func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	var body struct {
		Reason        string `json:"reason"`
		CallSessionID string `json:"call_session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	result := h.service.CancelPayment(r.Context(), transactionID, body.Reason, body.CallSessionID)
	writeResult(w, result, http.StatusOK)
}

func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	rec, err := h.service.GetPayment(r.Context(), transactionID)
	if err != nil {
		h.log.Error().Err(err).Str("transaction_id", transactionID).Msg("failed to fetch payment")
		http.Error(w, `{"error":"Failed to fetch payment"}`, http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, `{"error":"payment not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, rec, http.StatusOK)
}

func (h *PaymentHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := parseStatisticsFilter(r)
	if errMsg != "" {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, errMsg), http.StatusBadRequest)
		return
	}

	stats := h.service.GetStatistics(r.Context(), filter)
	writeJSON(w, stats, http.StatusOK)
}

func parseStatisticsFilter(r *http.Request) (models.StatisticsFilter, string) {
	q := r.URL.Query()
	filter := models.StatisticsFilter{
		ServiceType:  q.Get("service_type"),
		ProviderRole: q.Get("provider_role"),
	}
	if filter.ServiceType != "" && !models.ValidServiceType(filter.ServiceType) {
		return filter, "invalid service_type filter"
	}
	if filter.ProviderRole != "" && !models.ValidProviderRole(filter.ProviderRole) {
		return filter, "invalid provider_role filter"
	}

	if v := q.Get("start_date"); v != "" {
		start, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "invalid start_date format, expected RFC3339"
		}
		filter.StartDate = &start
	}
	if v := q.Get("end_date"); v != "" {
		end, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, "invalid end_date format, expected RFC3339"
		}
		filter.EndDate = &end
	}
	return filter, ""
}

// writeResult maps a uniform operation result to HTTP. Failures keep
// their message but never leak a stack or panic to the caller.
func writeResult(w http.ResponseWriter, result *models.PaymentResult, successStatus int) {
	status := successStatus
	if !result.Success {
		status = statusForKind(result.ErrorKind)
	}
	writeJSON(w, result, status)
}

func statusForKind(kind string) int {
	switch models.ErrKind(kind) {
	case models.ErrKindDuplicate, models.ErrKindState:
		return http.StatusConflict
	case models.ErrKindProcessor:
		return http.StatusBadGateway
	case models.ErrKindPersistence, models.ErrKindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
