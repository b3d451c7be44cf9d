// Package handler содержит HTTP-обработчики API сервиса экодроп.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ecodrop/ecodrop-system/internal/identity"
	"github.com/ecodrop/ecodrop-system/internal/middleware"
	"github.com/ecodrop/ecodrop-system/internal/model"
	"github.com/ecodrop/ecodrop-system/internal/repository"
	"github.com/ecodrop/ecodrop-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Heartbeat(ctx context.Context, device *model.Device, status model.DeviceStatus, sensorData json.RawMessage) error
	BottleDetection(ctx context.Context, device *model.Device, sortResult model.SortResult, sensorData json.RawMessage, userCode, eventID string) (*service.DetectionResult, error)
	ReportError(ctx context.Context, device *model.Device, errMessage, errCode string, sensorData json.RawMessage) error
	RecordFailure(ctx context.Context, device *model.Device, message string)
	VerifyUser(ctx context.Context, device *model.Device, code string) (*model.Profile, identity.LookupMethod, error)
	Deposit(ctx context.Context, code string, bottles int) (int64, error)
	Redeem(ctx context.Context, code string, rewardID int64) (*model.Redemption, error)
	ActiveRedemptions(ctx context.Context, code string) ([]model.Redemption, error)
	Transactions(ctx context.Context, code string, limit int) (*model.Profile, []model.Entry, error)
	ListRewards(ctx context.Context) ([]model.RewardItem, error)
	CreateReward(ctx context.Context, name string, pointsRequired int64, imageURL string) (*model.RewardItem, error)
	UpdateReward(ctx context.Context, id int64, name string, pointsRequired int64, imageURL string) error
	DeleteReward(ctx context.Context, id int64) error
	ProvisionDevice(ctx context.Context, name, location string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	Stats(ctx context.Context) (*model.Stats, error)
	Leaderboard(ctx context.Context, limit int) ([]model.Profile, error)
}

// Handler реализует HTTP-обработчики API сервиса экодроп.
type Handler struct {
	service    Service
	logger     *zap.Logger
	deviceAuth *middleware.DeviceAuth
	adminToken string
	validate   *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, deviceAuth *middleware.DeviceAuth, adminToken string) *Handler {
	return &Handler{
		service:    s,
		logger:     logger,
		deviceAuth: deviceAuth,
		adminToken: adminToken,
		validate:   validator.New(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

// decodeBody разбирает и валидирует тело запроса в типизированную структуру.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return false
	}
	return true
}

func deviceFromContext(w http.ResponseWriter, r *http.Request) (*model.Device, bool) {
	device, ok := middleware.GetDeviceFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Invalid API key.")
		return nil, false
	}
	return device, true
}

type heartbeatRequest struct {
	Status     string          `json:"status" validate:"omitempty,oneof=online offline error maintenance"`
	SensorData json.RawMessage `json:"sensor_data"`
}

// Heartbeat фиксирует сигнал устройства и возвращает серверное время.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceFromContext(w, r)
	if !ok {
		return
	}

	var req heartbeatRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if req.Status == "" {
		req.Status = string(model.DeviceStatusOnline)
	}

	if err := h.service.Heartbeat(r.Context(), device, model.DeviceStatus(req.Status), req.SensorData); err != nil {
		h.logger.Error("heartbeat error", zap.Error(err), zap.String("device", device.Name))
		h.service.RecordFailure(r.Context(), device, "Heartbeat processing failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to record heartbeat.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "success",
		"message":     "Heartbeat received",
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

type detectionRequest struct {
	SortResult string          `json:"sort_result" validate:"required,oneof=plastic invalid error"`
	SensorData json.RawMessage `json:"sensor_data"`
	UserID     string          `json:"user_id"`
	EventID    string          `json:"event_id" validate:"omitempty,max=128"`
}

// BottleDetection принимает событие обнаружения бутылки и начисляет баллы.
func (h *Handler) BottleDetection(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceFromContext(w, r)
	if !ok {
		return
	}

	var req detectionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	res, err := h.service.BottleDetection(r.Context(), device, model.SortResult(req.SortResult), req.SensorData, req.UserID, req.EventID)
	if err != nil {
		h.logger.Error("bottle detection error", zap.Error(err), zap.String("device", device.Name))
		h.service.RecordFailure(r.Context(), device, "Detection processing failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to process detection.")
		return
	}

	resp := map[string]any{
		"status":  string(res.Status),
		"message": res.Message,
	}
	if res.TotalPoints != nil {
		resp["user_total_points"] = *res.TotalPoints
	}

	writeJSON(w, http.StatusOK, resp)
}

type deviceErrorRequest struct {
	ErrorMessage string          `json:"error_message"`
	ErrorCode    string          `json:"error_code"`
	SensorData   json.RawMessage `json:"sensor_data"`
}

// DeviceError принимает сообщение об ошибке устройства.
func (h *Handler) DeviceError(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceFromContext(w, r)
	if !ok {
		return
	}

	var req deviceErrorRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if req.ErrorMessage == "" {
		req.ErrorMessage = "Unknown error"
	}

	if err := h.service.ReportError(r.Context(), device, req.ErrorMessage, req.ErrorCode, req.SensorData); err != nil {
		h.logger.Error("device error report failed", zap.Error(err), zap.String("device", device.Name))
		h.service.RecordFailure(r.Context(), device, "Error report processing failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to record error.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Error logged",
	})
}

type verifiedUser struct {
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	TotalPoints int64  `json:"total_points"`
	SchoolID    string `json:"school_id"`
}

// VerifyUser проверяет отсканированный код и возвращает данные профиля.
func (h *Handler) VerifyUser(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceFromContext(w, r)
	if !ok {
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":  "error",
			"message": "No code provided.",
			"ok":      false,
		})
		return
	}

	clean := identity.Normalize(code)

	profile, method, err := h.service.VerifyUser(r.Context(), device, code)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"status":  "error",
				"message": "Student ID not found: " + clean,
				"ok":      false,
			})
			return
		}
		h.logger.Error("verify user error", zap.Error(err), zap.String("device", device.Name))
		h.service.RecordFailure(r.Context(), device, "Verification processing failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "Failed to verify user.")
		return
	}

	schoolID := profile.SchoolID
	if schoolID == "" {
		schoolID = clean
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "User " + profile.Username + " verified",
		"ok":      true,
		"user": verifiedUser{
			Username:    profile.Username,
			FullName:    profile.FullName,
			TotalPoints: profile.TotalPoints,
			SchoolID:    schoolID,
		},
		"lookup_method": string(method),
	})
}

type depositRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Bottles *int   `json:"bottles"`
}

// Deposit начисляет баллы по коду пользователя. Устаревший путь без
// аутентификации устройства, сохранён для старых клиентов.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	bottles := 1
	if req.Bottles != nil {
		bottles = *req.Bottles
	}

	total, err := h.service.Deposit(r.Context(), req.UserID, bottles)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidQuantity):
			writeError(w, http.StatusBadRequest, "Bottle count must be positive.")
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, http.StatusNotFound, "User not found.")
		default:
			h.logger.Error("deposit error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to process deposit.")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":            "success",
		"message":           strconv.Itoa(bottles*service.PointsPerBottle) + " points added.",
		"user_total_points": total,
	})
}

type redeemRequest struct {
	Code     string `json:"code" validate:"required"`
	RewardID int64  `json:"reward_id" validate:"required,gt=0"`
}

// Redeem списывает баллы за приз и возвращает квитанцию.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	red, err := h.service.Redeem(r.Context(), req.Code, req.RewardID)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotFound):
			writeError(w, http.StatusNotFound, "User not found.")
		case errors.Is(err, repository.ErrRewardNotFound):
			writeError(w, http.StatusNotFound, "Reward not found.")
		case errors.Is(err, repository.ErrInsufficientPoints):
			writeError(w, http.StatusPaymentRequired, "Insufficient points.")
		default:
			h.logger.Error("redeem error", zap.Error(err), zap.Int64("reward", req.RewardID))
			writeError(w, http.StatusInternalServerError, "Failed to redeem reward.")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"receipt_number":  red.ReceiptNumber,
		"reward":          red.RewardName,
		"points_deducted": red.PointsDeducted,
		"redeemed_at":     red.CreatedAt.Format(time.RFC3339),
		"valid_until":     red.ValidUntil().Format(time.RFC3339),
	})
}

type redemptionResponse struct {
	ReceiptNumber  string `json:"receipt_number"`
	Reward         string `json:"reward"`
	PointsDeducted int64  `json:"points_deducted"`
	RedeemedAt     string `json:"redeemed_at"`
	ValidUntil     string `json:"valid_until"`
}

// ActiveRedemptions возвращает непросроченные списания пользователя.
func (h *Handler) ActiveRedemptions(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "No code provided.")
		return
	}

	redemptions, err := h.service.ActiveRedemptions(r.Context(), code)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found.")
			return
		}
		h.logger.Error("redemptions error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list redemptions.")
		return
	}

	resp := make([]redemptionResponse, 0, len(redemptions))
	for _, rd := range redemptions {
		resp = append(resp, redemptionResponse{
			ReceiptNumber:  rd.ReceiptNumber,
			Reward:         rd.RewardName,
			PointsDeducted: rd.PointsDeducted,
			RedeemedAt:     rd.CreatedAt.Format(time.RFC3339),
			ValidUntil:     rd.ValidUntil().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"redemptions": resp,
	})
}

type entryResponse struct {
	Bottles   int    `json:"bottles"`
	Points    int64  `json:"points"`
	CreatedAt string `json:"created_at"`
}

// Transactions возвращает баланс и последние записи о сдаче бутылок.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "No code provided.")
		return
	}

	profile, entries, err := h.service.Transactions(r.Context(), code, 50)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found.")
			return
		}
		h.logger.Error("transactions error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list transactions.")
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryResponse{
			Bottles:   e.BottleCount,
			Points:    e.Points,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user": verifiedUser{
			Username:    profile.Username,
			FullName:    profile.FullName,
			TotalPoints: profile.TotalPoints,
			SchoolID:    profile.SchoolID,
		},
		"transactions": resp,
	})
}

type rewardResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	PointsRequired int64  `json:"points_required"`
	ImageURL       string `json:"image_url,omitempty"`
}

// ListRewards возвращает доступные призы.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.service.ListRewards(r.Context())
	if err != nil {
		h.logger.Error("list rewards error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list rewards.")
		return
	}

	resp := make([]rewardResponse, 0, len(rewards))
	for _, rw := range rewards {
		resp = append(resp, rewardResponse{
			ID:             rw.ID,
			Name:           rw.Name,
			PointsRequired: rw.PointsRequired,
			ImageURL:       rw.ImageURL,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"rewards": resp,
	})
}

// Stats возвращает сводные показатели платформы.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load stats.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"stats":  stats,
	})
}

type leaderResponse struct {
	Username    string `json:"username"`
	FullName    string `json:"full_name"`
	TotalPoints int64  `json:"total_points"`
}

// Leaderboard возвращает пользователей с наибольшим числом баллов.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.service.Leaderboard(r.Context(), 10)
	if err != nil {
		h.logger.Error("leaderboard error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load leaderboard.")
		return
	}

	resp := make([]leaderResponse, 0, len(profiles))
	for _, p := range profiles {
		resp = append(resp, leaderResponse{
			Username:    p.Username,
			FullName:    p.FullName,
			TotalPoints: p.TotalPoints,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"leaders": resp,
	})
}
