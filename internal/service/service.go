// Package service реализует бизнес-логику сервиса экодроп.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ecodrop/ecodrop-system/internal/identity"
	"github.com/ecodrop/ecodrop-system/internal/model"
	"github.com/ecodrop/ecodrop-system/internal/repository"
)

// PointsPerBottle задаёт фиксированную ставку начисления за одну пластиковую бутылку.
const PointsPerBottle = 10

// ErrInvalidQuantity возвращается при неположительном количестве бутылок.
// Та же защита стоит и на уровне хранилища, поэтому ошибка общая.
var ErrInvalidQuantity = repository.ErrInvalidQuantity

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreditPoints(ctx context.Context, p repository.CreditParams) (int64, bool, error)
	Redeem(ctx context.Context, profileID, rewardID int64, receiptNumber string) (*model.Redemption, error)
	GetActiveRedemptions(ctx context.Context, profileID int64, since time.Time) ([]model.Redemption, error)
	GetEntriesByProfile(ctx context.Context, profileID int64, limit int) ([]model.Entry, error)
	RecordHeartbeat(ctx context.Context, deviceID int64, status model.DeviceStatus, sensorData json.RawMessage, message string) error
	RecordDeviceError(ctx context.Context, deviceID int64, sensorData json.RawMessage, message string) error
	AppendDeviceLog(ctx context.Context, deviceID int64, logType model.LogType, sortResult model.SortResult, sensorData json.RawMessage, message string) error
	CreateDevice(ctx context.Context, name, location, apiKey string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListRewards(ctx context.Context) ([]model.RewardItem, error)
	CreateReward(ctx context.Context, name string, pointsRequired int64, imageURL string) (*model.RewardItem, error)
	UpdateReward(ctx context.Context, id int64, name string, pointsRequired int64, imageURL string) error
	DeleteReward(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*model.Stats, error)
	GetTopProfiles(ctx context.Context, limit int) ([]model.Profile, error)
}

// Resolver описывает контракт поиска профиля по отсканированному коду.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*model.Profile, identity.LookupMethod, error)
}

// Service содержит бизнес-логику сервиса экодроп.
type Service struct {
	repo     Repository
	resolver Resolver
}

// NewService создаёт новый сервис с указанным репозиторием и резолвером кодов.
func NewService(repo Repository, resolver Resolver) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Heartbeat фиксирует сигнал устройства: статус, время и запись в журнале.
func (s *Service) Heartbeat(ctx context.Context, device *model.Device, status model.DeviceStatus, sensorData json.RawMessage) error {
	message := fmt.Sprintf("Device %s heartbeat", device.Name)
	return s.repo.RecordHeartbeat(ctx, device.ID, status, sensorData, message)
}

// DetectionStatus описывает итог обработки события обнаружения бутылки.
type DetectionStatus string

const (
	DetectionSuccess DetectionStatus = "success"
	DetectionWarning DetectionStatus = "warning"
)

// DetectionResult содержит ответ на событие обнаружения бутылки.
type DetectionResult struct {
	Status      DetectionStatus
	Message     string
	TotalPoints *int64
}

// BottleDetection обрабатывает событие обнаружения бутылки: пишет журнал,
// а для пластиковой бутылки с отсканированным кодом начисляет баллы и
// увеличивает счётчик устройства. Неразрешимый код не прерывает обработку:
// событие остаётся в журнале, начисления не происходит.
func (s *Service) BottleDetection(ctx context.Context, device *model.Device, sortResult model.SortResult, sensorData json.RawMessage, userCode, eventID string) (*DetectionResult, error) {
	err := s.repo.AppendDeviceLog(ctx, device.ID, model.LogTypeBottleDetected, sortResult, sensorData,
		fmt.Sprintf("Bottle detected: %s", sortResult))
	if err != nil {
		return nil, err
	}

	if sortResult != model.SortResultPlastic || userCode == "" {
		return &DetectionResult{
			Status:  DetectionSuccess,
			Message: fmt.Sprintf("Bottle processed: %s", sortResult),
		}, nil
	}

	profile, method, err := s.resolver.Resolve(ctx, userCode)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return &DetectionResult{
				Status:  DetectionWarning,
				Message: "Plastic bottle detected but user not found",
			}, nil
		}
		return nil, err
	}

	total, duplicate, err := s.repo.CreditPoints(ctx, repository.CreditParams{
		ProfileID:       profile.ID,
		Bottles:         1,
		PointsPerBottle: PointsPerBottle,
		EventID:         eventID,
		Device: &repository.CreditDevice{
			ID:         device.ID,
			SensorData: sensorData,
			Message:    fmt.Sprintf("Points awarded to %s (resolved via %s)", profile.Username, method),
		},
	})
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("%d points awarded to %s", PointsPerBottle, profile.Username)
	if duplicate {
		message = fmt.Sprintf("Event already credited for %s", profile.Username)
	}

	return &DetectionResult{
		Status:      DetectionSuccess,
		Message:     message,
		TotalPoints: &total,
	}, nil
}

// RecordFailure фиксирует внутренний сбой обработки запроса устройства в его
// журнале. Запись выполняется по возможности: её собственный сбой не должен
// заслонять ответ устройству.
func (s *Service) RecordFailure(ctx context.Context, device *model.Device, message string) {
	_ = s.repo.AppendDeviceLog(ctx, device.ID, model.LogTypeError, "", nil, message)
}

// ReportError переводит устройство в состояние error и записывает сообщение в журнал.
func (s *Service) ReportError(ctx context.Context, device *model.Device, errMessage, errCode string, sensorData json.RawMessage) error {
	message := fmt.Sprintf("Error: %s", errMessage)
	if errCode != "" {
		message = fmt.Sprintf("Error %s: %s", errCode, errMessage)
	}
	return s.repo.RecordDeviceError(ctx, device.ID, sensorData, message)
}

// VerifyUser находит профиль по отсканированному коду и фиксирует результат
// проверки в журнале устройства.
func (s *Service) VerifyUser(ctx context.Context, device *model.Device, code string) (*model.Profile, identity.LookupMethod, error) {
	clean := identity.Normalize(code)

	profile, method, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			logErr := s.repo.AppendDeviceLog(ctx, device.ID, model.LogTypeError, "", nil,
				fmt.Sprintf("Failed verification: student ID %q not found", clean))
			if logErr != nil {
				return nil, "", logErr
			}
		}
		return nil, "", err
	}

	err = s.repo.AppendDeviceLog(ctx, device.ID, model.LogTypeBottleDetected, "", nil,
		fmt.Sprintf("User %s verified with student ID %q via %s", profile.Username, clean, method))
	if err != nil {
		return nil, "", err
	}

	return profile, method, nil
}

// Deposit начисляет баллы по отсканированному коду без устройства.
// Устаревший путь, сохранён для совместимости со старыми клиентами.
func (s *Service) Deposit(ctx context.Context, code string, bottles int) (int64, error) {
	if bottles <= 0 {
		return 0, ErrInvalidQuantity
	}

	profile, _, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		return 0, err
	}

	total, _, err := s.repo.CreditPoints(ctx, repository.CreditParams{
		ProfileID:       profile.ID,
		Bottles:         bottles,
		PointsPerBottle: PointsPerBottle,
	})
	return total, err
}

// Redeem списывает баллы за приз для профиля, найденного по коду.
func (s *Service) Redeem(ctx context.Context, code string, rewardID int64) (*model.Redemption, error) {
	profile, _, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	return s.repo.Redeem(ctx, profile.ID, rewardID, generateReceiptNumber())
}

func generateReceiptNumber() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return "RCP-" + raw[:16]
}

// ActiveRedemptions возвращает непросроченные списания профиля по коду.
func (s *Service) ActiveRedemptions(ctx context.Context, code string) ([]model.Redemption, error) {
	profile, _, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	redemptions, err := s.repo.GetActiveRedemptions(ctx, profile.ID, now.Add(-model.RedemptionTTL))
	if err != nil {
		return nil, err
	}

	// Граница окна проверяется ещё раз по часам приложения: выборка
	// хранилища опирается на его собственные часы.
	active := make([]model.Redemption, 0, len(redemptions))
	for _, rd := range redemptions {
		if rd.ActiveAt(now) {
			active = append(active, rd)
		}
	}

	return active, nil
}

// Transactions возвращает профиль и его последние записи о сдаче бутылок.
func (s *Service) Transactions(ctx context.Context, code string, limit int) (*model.Profile, []model.Entry, error) {
	profile, _, err := s.resolver.Resolve(ctx, code)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.repo.GetEntriesByProfile(ctx, profile.ID, limit)
	if err != nil {
		return nil, nil, err
	}

	return profile, entries, nil
}

// ListRewards возвращает доступные призы.
func (s *Service) ListRewards(ctx context.Context) ([]model.RewardItem, error) {
	return s.repo.ListRewards(ctx)
}

// CreateReward добавляет новый приз.
func (s *Service) CreateReward(ctx context.Context, name string, pointsRequired int64, imageURL string) (*model.RewardItem, error) {
	return s.repo.CreateReward(ctx, name, pointsRequired, imageURL)
}

// UpdateReward изменяет существующий приз.
func (s *Service) UpdateReward(ctx context.Context, id int64, name string, pointsRequired int64, imageURL string) error {
	return s.repo.UpdateReward(ctx, id, name, pointsRequired, imageURL)
}

// DeleteReward удаляет приз.
func (s *Service) DeleteReward(ctx context.Context, id int64) error {
	return s.repo.DeleteReward(ctx, id)
}

// ProvisionDevice регистрирует новое устройство и выдаёт ему ключ API.
func (s *Service) ProvisionDevice(ctx context.Context, name, location string) (*model.Device, error) {
	return s.repo.CreateDevice(ctx, name, location, uuid.New().String())
}

// ListDevices возвращает все зарегистрированные устройства.
func (s *Service) ListDevices(ctx context.Context) ([]model.Device, error) {
	return s.repo.ListDevices(ctx)
}

// Stats возвращает сводные показатели платформы.
func (s *Service) Stats(ctx context.Context) (*model.Stats, error) {
	return s.repo.GetStats(ctx)
}

// Leaderboard возвращает профили с наибольшим числом баллов.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.Profile, error) {
	return s.repo.GetTopProfiles(ctx, limit)
}
