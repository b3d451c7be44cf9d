package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ecodrop/ecodrop-system/internal/identity"
	"github.com/ecodrop/ecodrop-system/internal/model"
	"github.com/ecodrop/ecodrop-system/internal/repository"
)

type loggedEntry struct {
	deviceID int64
	logType  model.LogType
	message  string
}

type stubRepo struct {
	creditCalls []repository.CreditParams
	creditTotal int64
	creditDup   bool
	creditErr   error

	redeemReceipts []string
	redemption     *model.Redemption
	redeemErr      error

	redemptions      []model.Redemption
	redemptionsSince time.Time

	logs []loggedEntry

	heartbeatStatus  model.DeviceStatus
	heartbeatMessage string

	errorMessage string
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreditPoints(_ context.Context, p repository.CreditParams) (int64, bool, error) {
	s.creditCalls = append(s.creditCalls, p)
	return s.creditTotal, s.creditDup, s.creditErr
}

func (s *stubRepo) Redeem(_ context.Context, profileID, rewardID int64, receiptNumber string) (*model.Redemption, error) {
	s.redeemReceipts = append(s.redeemReceipts, receiptNumber)
	if s.redeemErr != nil {
		return nil, s.redeemErr
	}
	if s.redemption != nil {
		return s.redemption, nil
	}
	return &model.Redemption{ProfileID: profileID, RewardID: rewardID, ReceiptNumber: receiptNumber}, nil
}

func (s *stubRepo) GetActiveRedemptions(_ context.Context, profileID int64, since time.Time) ([]model.Redemption, error) {
	s.redemptionsSince = since
	var res []model.Redemption
	for _, rd := range s.redemptions {
		if rd.CreatedAt.After(since) {
			res = append(res, rd)
		}
	}
	return res, nil
}

func (s *stubRepo) GetEntriesByProfile(_ context.Context, profileID int64, limit int) ([]model.Entry, error) {
	return nil, nil
}

func (s *stubRepo) RecordHeartbeat(_ context.Context, deviceID int64, status model.DeviceStatus, sensorData json.RawMessage, message string) error {
	s.heartbeatStatus = status
	s.heartbeatMessage = message
	return nil
}

func (s *stubRepo) RecordDeviceError(_ context.Context, deviceID int64, sensorData json.RawMessage, message string) error {
	s.errorMessage = message
	return nil
}

func (s *stubRepo) AppendDeviceLog(_ context.Context, deviceID int64, logType model.LogType, sortResult model.SortResult, sensorData json.RawMessage, message string) error {
	s.logs = append(s.logs, loggedEntry{deviceID: deviceID, logType: logType, message: message})
	return nil
}

func (s *stubRepo) CreateDevice(_ context.Context, name, location, apiKey string) (*model.Device, error) {
	return &model.Device{Name: name, Location: location, APIKey: apiKey, Status: model.DeviceStatusOffline}, nil
}

func (s *stubRepo) ListDevices(_ context.Context) ([]model.Device, error) { return nil, nil }

func (s *stubRepo) ListRewards(_ context.Context) ([]model.RewardItem, error) { return nil, nil }

func (s *stubRepo) CreateReward(_ context.Context, name string, pointsRequired int64, imageURL string) (*model.RewardItem, error) {
	return &model.RewardItem{Name: name, PointsRequired: pointsRequired, ImageURL: imageURL}, nil
}

func (s *stubRepo) UpdateReward(_ context.Context, id int64, name string, pointsRequired int64, imageURL string) error {
	return nil
}

func (s *stubRepo) DeleteReward(_ context.Context, id int64) error { return nil }

func (s *stubRepo) GetStats(_ context.Context) (*model.Stats, error) { return &model.Stats{}, nil }

func (s *stubRepo) GetTopProfiles(_ context.Context, limit int) ([]model.Profile, error) {
	return nil, nil
}

type stubResolver struct {
	profiles map[string]*model.Profile
	calls    int
}

func (r *stubResolver) Resolve(_ context.Context, code string) (*model.Profile, identity.LookupMethod, error) {
	r.calls++
	if p, ok := r.profiles[identity.Normalize(code)]; ok {
		return p, identity.LookupSchoolID, nil
	}
	return nil, "", identity.ErrNotFound
}

func testDevice() *model.Device {
	return &model.Device{ID: 3, Name: "sorter-1", Status: model.DeviceStatusOnline}
}

func TestBottleDetection_PlasticCreditsPoints(t *testing.T) {
	repo := &stubRepo{creditTotal: 110}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"C25-0001": {ID: 9, Username: "alice", SchoolID: "C25-0001", TotalPoints: 100},
	}}
	svc := NewService(repo, resolver)

	res, err := svc.BottleDetection(context.Background(), testDevice(), model.SortResultPlastic, nil, "C25-0001", "evt-1")
	if err != nil {
		t.Fatalf("BottleDetection error: %v", err)
	}

	if res.Status != DetectionSuccess {
		t.Errorf("status = %q, want success", res.Status)
	}
	if res.TotalPoints == nil || *res.TotalPoints != 110 {
		t.Errorf("total points = %v, want 110", res.TotalPoints)
	}

	if len(repo.creditCalls) != 1 {
		t.Fatalf("credit calls = %d, want 1", len(repo.creditCalls))
	}
	call := repo.creditCalls[0]
	if call.ProfileID != 9 || call.Bottles != 1 || call.PointsPerBottle != PointsPerBottle {
		t.Errorf("credit params = %+v", call)
	}
	if call.EventID != "evt-1" {
		t.Errorf("event id = %q, want evt-1", call.EventID)
	}
	if call.Device == nil || call.Device.ID != 3 {
		t.Errorf("credit device = %+v, want id 3", call.Device)
	}

	if len(repo.logs) != 1 || repo.logs[0].logType != model.LogTypeBottleDetected {
		t.Errorf("logs = %+v, want single bottle_detected", repo.logs)
	}
}

func TestBottleDetection_UnknownUser(t *testing.T) {
	repo := &stubRepo{}
	resolver := &stubResolver{}
	svc := NewService(repo, resolver)

	res, err := svc.BottleDetection(context.Background(), testDevice(), model.SortResultPlastic, nil, "ghost", "")
	if err != nil {
		t.Fatalf("BottleDetection error: %v", err)
	}

	if res.Status != DetectionWarning {
		t.Errorf("status = %q, want warning", res.Status)
	}
	if res.TotalPoints != nil {
		t.Errorf("total points = %v, want nil", res.TotalPoints)
	}
	if len(repo.creditCalls) != 0 {
		t.Errorf("credit calls = %d, want 0", len(repo.creditCalls))
	}
	if len(repo.logs) != 1 || repo.logs[0].logType != model.LogTypeBottleDetected {
		t.Errorf("logs = %+v, want single bottle_detected", repo.logs)
	}
}

func TestBottleDetection_NonPlastic(t *testing.T) {
	repo := &stubRepo{}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"C25-0001": {ID: 9, Username: "alice"},
	}}
	svc := NewService(repo, resolver)

	res, err := svc.BottleDetection(context.Background(), testDevice(), model.SortResultInvalid, nil, "C25-0001", "")
	if err != nil {
		t.Fatalf("BottleDetection error: %v", err)
	}

	if res.Status != DetectionSuccess {
		t.Errorf("status = %q, want success", res.Status)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver calls = %d, want 0", resolver.calls)
	}
	if len(repo.creditCalls) != 0 {
		t.Errorf("credit calls = %d, want 0", len(repo.creditCalls))
	}
}

func TestBottleDetection_DuplicateEvent(t *testing.T) {
	repo := &stubRepo{creditTotal: 100, creditDup: true}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"C25-0001": {ID: 9, Username: "alice"},
	}}
	svc := NewService(repo, resolver)

	res, err := svc.BottleDetection(context.Background(), testDevice(), model.SortResultPlastic, nil, "C25-0001", "evt-1")
	if err != nil {
		t.Fatalf("BottleDetection error: %v", err)
	}

	if res.Status != DetectionSuccess {
		t.Errorf("status = %q, want success", res.Status)
	}
	if res.TotalPoints == nil || *res.TotalPoints != 100 {
		t.Errorf("total points = %v, want unchanged 100", res.TotalPoints)
	}
	if !strings.Contains(res.Message, "already credited") {
		t.Errorf("message = %q, want duplicate notice", res.Message)
	}
}

func TestDeposit_InvalidQuantity(t *testing.T) {
	repo := &stubRepo{}
	resolver := &stubResolver{}
	svc := NewService(repo, resolver)

	for _, bottles := range []int{0, -3} {
		_, err := svc.Deposit(context.Background(), "C25-0001", bottles)
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("Deposit(bottles=%d) error = %v, want ErrInvalidQuantity", bottles, err)
		}
	}

	if resolver.calls != 0 {
		t.Errorf("resolver calls = %d, want 0", resolver.calls)
	}
	if len(repo.creditCalls) != 0 {
		t.Errorf("credit calls = %d, want 0", len(repo.creditCalls))
	}
}

func TestDeposit_CreditsByRate(t *testing.T) {
	repo := &stubRepo{creditTotal: 30}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"LEGACY-1": {ID: 4, Username: "bob"},
	}}
	svc := NewService(repo, resolver)

	total, err := svc.Deposit(context.Background(), "legacy-1", 3)
	if err != nil {
		t.Fatalf("Deposit error: %v", err)
	}
	if total != 30 {
		t.Errorf("total = %d, want 30", total)
	}

	if len(repo.creditCalls) != 1 {
		t.Fatalf("credit calls = %d, want 1", len(repo.creditCalls))
	}
	call := repo.creditCalls[0]
	if call.ProfileID != 4 || call.Bottles != 3 || call.PointsPerBottle != PointsPerBottle {
		t.Errorf("credit params = %+v", call)
	}
	if call.Device != nil {
		t.Errorf("legacy deposit must not touch a device counter, got %+v", call.Device)
	}
}

func TestRedeem_GeneratesUniqueReceipts(t *testing.T) {
	repo := &stubRepo{}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"C25-0001": {ID: 9, Username: "alice"},
	}}
	svc := NewService(repo, resolver)

	for i := 0; i < 2; i++ {
		if _, err := svc.Redeem(context.Background(), "C25-0001", 1); err != nil {
			t.Fatalf("Redeem error: %v", err)
		}
	}

	if len(repo.redeemReceipts) != 2 {
		t.Fatalf("redeem calls = %d, want 2", len(repo.redeemReceipts))
	}
	for _, receipt := range repo.redeemReceipts {
		if !strings.HasPrefix(receipt, "RCP-") || len(receipt) != 20 {
			t.Errorf("receipt %q has unexpected format", receipt)
		}
	}
	if repo.redeemReceipts[0] == repo.redeemReceipts[1] {
		t.Errorf("receipts must be unique, got %q twice", repo.redeemReceipts[0])
	}
}

func TestActiveRedemptions_WindowEdges(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		redemptions: []model.Redemption{
			{ID: 1, ReceiptNumber: "RCP-EXPIRED000000000", CreatedAt: now.Add(-model.RedemptionTTL)},
			{ID: 2, ReceiptNumber: "RCP-EXPIRING00000000", CreatedAt: now.Add(-model.RedemptionTTL + time.Minute)},
			{ID: 3, ReceiptNumber: "RCP-FRESH00000000000", CreatedAt: now.Add(-time.Minute)},
		},
	}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"C25-0001": {ID: 9, Username: "alice"},
	}}
	svc := NewService(repo, resolver)

	active, err := svc.ActiveRedemptions(context.Background(), "C25-0001")
	if err != nil {
		t.Fatalf("ActiveRedemptions error: %v", err)
	}

	if len(active) != 2 {
		t.Fatalf("active = %d entries, want 2 (record at exact expiry must be absent): %+v", len(active), active)
	}
	if active[0].ID != 2 || active[1].ID != 3 {
		t.Errorf("active ids = [%d, %d], want [2, 3]", active[0].ID, active[1].ID)
	}

	wantSince := now.Add(-model.RedemptionTTL)
	if d := repo.redemptionsSince.Sub(wantSince); d < 0 || d > time.Second {
		t.Errorf("since = %v, want about %v", repo.redemptionsSince, wantSince)
	}
}

func TestRecordFailure_AppendsErrorLog(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, &stubResolver{})

	svc.RecordFailure(context.Background(), testDevice(), "Detection processing failed: connection reset")

	if len(repo.logs) != 1 {
		t.Fatalf("logs = %+v, want single entry", repo.logs)
	}
	if repo.logs[0].logType != model.LogTypeError || repo.logs[0].deviceID != 3 {
		t.Errorf("log = %+v, want error entry for device 3", repo.logs[0])
	}
}

func TestVerifyUser_MissLogsError(t *testing.T) {
	repo := &stubRepo{}
	resolver := &stubResolver{}
	svc := NewService(repo, resolver)

	_, _, err := svc.VerifyUser(context.Background(), testDevice(), "ghost")
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("VerifyUser error = %v, want ErrNotFound", err)
	}

	if len(repo.logs) != 1 || repo.logs[0].logType != model.LogTypeError {
		t.Fatalf("logs = %+v, want single error entry", repo.logs)
	}
	if !strings.Contains(repo.logs[0].message, "GHOST") {
		t.Errorf("log message = %q, want normalized code", repo.logs[0].message)
	}
}

func TestVerifyUser_LogsLookupMethod(t *testing.T) {
	repo := &stubRepo{}
	resolver := &stubResolver{profiles: map[string]*model.Profile{
		"C25-0001": {ID: 9, Username: "alice", SchoolID: "C25-0001"},
	}}
	svc := NewService(repo, resolver)

	p, method, err := svc.VerifyUser(context.Background(), testDevice(), "c25-0001")
	if err != nil {
		t.Fatalf("VerifyUser error: %v", err)
	}
	if p.Username != "alice" || method != identity.LookupSchoolID {
		t.Fatalf("got (%s, %s)", p.Username, method)
	}

	if len(repo.logs) != 1 {
		t.Fatalf("logs = %+v, want single entry", repo.logs)
	}
	if !strings.Contains(repo.logs[0].message, string(identity.LookupSchoolID)) {
		t.Errorf("log message = %q, want lookup method", repo.logs[0].message)
	}
}

func TestReportError_MessageFormat(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		message string
		want    string
	}{
		{"with code", "E42", "jam in sorter", "Error E42: jam in sorter"},
		{"without code", "", "jam in sorter", "Error: jam in sorter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{}
			svc := NewService(repo, &stubResolver{})

			if err := svc.ReportError(context.Background(), testDevice(), tt.message, tt.code, nil); err != nil {
				t.Fatalf("ReportError error: %v", err)
			}
			if repo.errorMessage != tt.want {
				t.Errorf("message = %q, want %q", repo.errorMessage, tt.want)
			}
		})
	}
}

func TestHeartbeat_PassesStatus(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, &stubResolver{})

	if err := svc.Heartbeat(context.Background(), testDevice(), model.DeviceStatusMaintenance, nil); err != nil {
		t.Fatalf("Heartbeat error: %v", err)
	}

	if repo.heartbeatStatus != model.DeviceStatusMaintenance {
		t.Errorf("status = %q, want maintenance", repo.heartbeatStatus)
	}
	if !strings.Contains(repo.heartbeatMessage, "sorter-1") {
		t.Errorf("message = %q, want device name", repo.heartbeatMessage)
	}
}
