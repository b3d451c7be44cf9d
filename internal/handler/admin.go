package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ecodrop/ecodrop-system/internal/model"
	"github.com/ecodrop/ecodrop-system/internal/repository"
)

type deviceCreateRequest struct {
	DeviceName string `json:"device_name" validate:"required"`
	Location   string `json:"location" validate:"required"`
}

type deviceResponse struct {
	ID                    int64  `json:"id"`
	DeviceName            string `json:"device_name"`
	Location              string `json:"location"`
	APIKey                string `json:"api_key,omitempty"`
	Status                string `json:"status"`
	LastHeartbeat         string `json:"last_heartbeat,omitempty"`
	TotalBottlesProcessed int64  `json:"total_bottles_processed"`
}

func toDeviceResponse(d model.Device, includeKey bool) deviceResponse {
	resp := deviceResponse{
		ID:                    d.ID,
		DeviceName:            d.Name,
		Location:              d.Location,
		Status:                string(d.Status),
		TotalBottlesProcessed: d.TotalBottlesProcessed,
	}
	if includeKey {
		resp.APIKey = d.APIKey
	}
	if d.LastHeartbeat != nil {
		resp.LastHeartbeat = d.LastHeartbeat.Format(time.RFC3339)
	}
	return resp
}

// CreateDevice регистрирует новое устройство и возвращает выданный ключ API.
// Ключ отдаётся только в этом ответе.
func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceCreateRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	device, err := h.service.ProvisionDevice(r.Context(), req.DeviceName, req.Location)
	if err != nil {
		h.logger.Error("create device error", zap.Error(err), zap.String("device", req.DeviceName))
		writeError(w, http.StatusInternalServerError, "Failed to create device.")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "success",
		"device": toDeviceResponse(*device, true),
	})
}

// ListDevices возвращает все зарегистрированные устройства без ключей API.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.service.ListDevices(r.Context())
	if err != nil {
		h.logger.Error("list devices error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list devices.")
		return
	}

	resp := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, toDeviceResponse(d, false))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"devices": resp,
	})
}

type rewardRequest struct {
	Name           string `json:"name" validate:"required"`
	PointsRequired int64  `json:"points_required" validate:"required,gt=0"`
	ImageURL       string `json:"image_url"`
}

// CreateReward добавляет новый приз.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	reward, err := h.service.CreateReward(r.Context(), req.Name, req.PointsRequired, req.ImageURL)
	if err != nil {
		h.logger.Error("create reward error", zap.Error(err), zap.String("reward", req.Name))
		writeError(w, http.StatusInternalServerError, "Failed to create reward.")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "success",
		"reward": rewardResponse{
			ID:             reward.ID,
			Name:           reward.Name,
			PointsRequired: reward.PointsRequired,
			ImageURL:       reward.ImageURL,
		},
	})
}

func rewardIDFromURL(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "rewardID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// UpdateReward изменяет существующий приз.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	id, ok := rewardIDFromURL(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid reward id.")
		return
	}

	var req rewardRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if err := h.service.UpdateReward(r.Context(), id, req.Name, req.PointsRequired, req.ImageURL); err != nil {
		if errors.Is(err, repository.ErrRewardNotFound) {
			writeError(w, http.StatusNotFound, "Reward not found.")
			return
		}
		h.logger.Error("update reward error", zap.Error(err), zap.Int64("reward", id))
		writeError(w, http.StatusInternalServerError, "Failed to update reward.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// DeleteReward удаляет приз.
func (h *Handler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	id, ok := rewardIDFromURL(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid reward id.")
		return
	}

	if err := h.service.DeleteReward(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrRewardNotFound) {
			writeError(w, http.StatusNotFound, "Reward not found.")
			return
		}
		h.logger.Error("delete reward error", zap.Error(err), zap.Int64("reward", id))
		writeError(w, http.StatusInternalServerError, "Failed to delete reward.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
