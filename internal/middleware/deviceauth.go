// Package middleware содержит HTTP middleware для сервиса экодроп.
package middleware

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ecodrop/ecodrop-system/internal/model"
	"github.com/ecodrop/ecodrop-system/internal/repository"
)

type contextKey string

const deviceKey contextKey = "device"

// DeviceStore описывает контракт поиска устройства по ключу API.
type DeviceStore interface {
	GetDeviceByAPIKey(ctx context.Context, apiKey string) (*model.Device, error)
}

// DeviceAuth выполняет аутентификацию устройств по заголовку
// Authorization: Bearer <api_key>.
type DeviceAuth struct {
	store  DeviceStore
	logger *zap.Logger
}

// NewDeviceAuth создаёт middleware аутентификации устройств.
func NewDeviceAuth(store DeviceStore, logger *zap.Logger) *DeviceAuth {
	return &DeviceAuth{
		store:  store,
		logger: logger,
	}
}

// Middleware проверяет ключ API устройства и добавляет устройство в контекст
// запроса. Отсутствующий или искажённый заголовок отклоняется без обращения
// к хранилищу.
func (a *DeviceAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := bearerToken(r)
		if !ok {
			writeUnauthenticated(w)
			return
		}

		device, err := a.store.GetDeviceByAPIKey(r.Context(), apiKey)
		if err != nil {
			if !errors.Is(err, repository.ErrDeviceNotFound) {
				a.logger.Error("device lookup error", zap.Error(err))
			}
			writeUnauthenticated(w)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetDeviceFromContext извлекает аутентифицированное устройство из контекста запроса.
func GetDeviceFromContext(ctx context.Context) (*model.Device, bool) {
	d, ok := ctx.Value(deviceKey).(*model.Device)
	return d, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", false
	}
	return token, true
}

func writeUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": "Invalid API key.",
	})
}

// AdminAuth проверяет bearer-токен административных ручек. Пустой
// настроенный токен полностью закрывает административную поверхность.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok || token == "" || !hmac.Equal([]byte(got), []byte(token)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"status":  "error",
					"message": "Invalid admin token.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
