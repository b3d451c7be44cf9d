// Package model содержит доменные сущности сервиса экодроп.
package model

import (
	"encoding/json"
	"time"
)

// UserType описывает категорию владельца профиля.
type UserType string

const (
	UserTypeStudent UserType = "student"
	UserTypeTeacher UserType = "teacher"
	UserTypeStaff   UserType = "staff"
	UserTypeAdmin   UserType = "admin"
)

// Profile представляет бонусный счёт пользователя и его учётные данные.
type Profile struct {
	ID          int64
	Username    string
	FullName    string
	SchoolID    string
	LegacyCode  string
	UserType    UserType
	TotalPoints int64
	CreatedAt   time.Time
}

// Entry описывает неизменяемую запись о сдаче бутылок и начисленных баллах.
type Entry struct {
	ID          int64
	ProfileID   int64
	BottleCount int
	Points      int64
	CreatedAt   time.Time
}

// RewardItem описывает приз, доступный для обмена на баллы.
type RewardItem struct {
	ID             int64
	Name           string
	PointsRequired int64
	ImageURL       string
}

// Redemption описывает факт списания баллов в обмен на приз.
// Запись действительна в течение трёх суток с момента создания.
type Redemption struct {
	ID             int64
	ProfileID      int64
	RewardID       int64
	RewardName     string
	PointsDeducted int64
	ReceiptNumber  string
	CreatedAt      time.Time
}

// RedemptionTTL задаёт срок действия записи о списании.
const RedemptionTTL = 72 * time.Hour

// ValidUntil возвращает момент, начиная с которого списание считается истёкшим.
func (r Redemption) ValidUntil() time.Time {
	return r.CreatedAt.Add(RedemptionTTL)
}

// ActiveAt сообщает, действительно ли списание в момент at. Списание,
// созданное в момент T, действительно строго до T+RedemptionTTL.
func (r Redemption) ActiveAt(at time.Time) bool {
	return at.Before(r.ValidUntil())
}

// DeviceStatus описывает состояние устройства сортировки.
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusError       DeviceStatus = "error"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
)

// Device представляет зарегистрированное устройство сортировки бутылок.
type Device struct {
	ID                    int64
	Name                  string
	Location              string
	APIKey                string
	Status                DeviceStatus
	LastHeartbeat         *time.Time
	TotalBottlesProcessed int64
	CreatedAt             time.Time
}

// LogType описывает тип записи в журнале устройства.
type LogType string

const (
	LogTypeHeartbeat      LogType = "heartbeat"
	LogTypeBottleDetected LogType = "bottle_detected"
	LogTypeBottleSorted   LogType = "bottle_sorted"
	LogTypeError          LogType = "error"
)

// SortResult описывает результат сортировки бутылки устройством.
type SortResult string

const (
	SortResultPlastic SortResult = "plastic"
	SortResultInvalid SortResult = "invalid"
	SortResultError   SortResult = "error"
)

// DeviceLog описывает неизменяемую запись журнала событий устройства.
type DeviceLog struct {
	ID         int64
	DeviceID   int64
	LogType    LogType
	SortResult SortResult
	SensorData json.RawMessage
	Message    string
	CreatedAt  time.Time
}

// Stats содержит сводные показатели платформы для общедоступной статистики.
type Stats struct {
	TotalUsers       int64 `json:"total_users"`
	TotalBottles     int64 `json:"total_bottles"`
	AvailableRewards int64 `json:"available_rewards"`
}
