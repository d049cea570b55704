package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Platform identifies the push gateway family of a device.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformMacOS   Platform = "macos"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformWindows Platform = "windows"
)

var (
	// ErrInvalidPlatform indicates an unknown platform name.
	ErrInvalidPlatform = errors.New("devices: invalid platform")
	// ErrInvalidRegistration indicates that a registration is missing identifiers.
	ErrInvalidRegistration = errors.New("devices: invalid registration")

	errMissingDatabase = errors.New("devices: database connection required")
)

// ParsePlatform validates a platform name.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformMacOS:
		return PlatformMacOS, nil
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformWeb:
		return PlatformWeb, nil
	case PlatformWindows:
		return PlatformWindows, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, raw)
	}
}

// Device is a registered push endpoint bound to one client session.
type Device struct {
	DeviceID     string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	UserID       string    `gorm:"column:user_id;size:190;not null;index"`
	SessionID    string    `gorm:"column:session_id;size:190;not null"`
	Platform     Platform  `gorm:"column:platform;size:16;not null"`
	DeviceToken  string    `gorm:"column:device_token;size:512;not null;index"`
	CodeVersion  int       `gorm:"column:code_version;not null;default:0"`
	StateVersion int       `gorm:"column:state_version;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// Registration is the client-supplied description of a device.
type Registration struct {
	DeviceID     string
	UserID       string
	SessionID    string
	Platform     Platform
	DeviceToken  string
	CodeVersion  int
	StateVersion int
}

// RegistryConfig describes the registry dependencies.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry stores device registrations and push tokens.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Register upserts the device. A token moving to a new device is cleared from its previous owner.
func (registry *Registry) Register(ctx context.Context, registration Registration) (Device, error) {
	if strings.TrimSpace(registration.DeviceID) == "" || strings.TrimSpace(registration.UserID) == "" {
		return Device{}, fmt.Errorf("%w: device and user ids are required", ErrInvalidRegistration)
	}
	if strings.TrimSpace(registration.DeviceToken) == "" {
		return Device{}, fmt.Errorf("%w: device token is required", ErrInvalidRegistration)
	}
	if _, err := ParsePlatform(string(registration.Platform)); err != nil {
		return Device{}, err
	}

	now := registry.clock().UTC()
	device := Device{
		DeviceID:     registration.DeviceID,
		UserID:       registration.UserID,
		SessionID:    registration.SessionID,
		Platform:     registration.Platform,
		DeviceToken:  registration.DeviceToken,
		CodeVersion:  registration.CodeVersion,
		StateVersion: registration.StateVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := registry.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Device{}).
			Where("device_token = ? AND device_id <> ?", device.DeviceToken, device.DeviceID).
			Updates(map[string]any{"device_token": "", "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "session_id", "platform", "device_token", "code_version", "state_version", "updated_at",
			}),
		}).Create(&device).Error
	})
	if err != nil {
		registry.logger.Error("device registration failed",
			zap.String("device_id", device.DeviceID),
			zap.String("user_id", device.UserID),
			zap.Error(err))
		return Device{}, fmt.Errorf("devices: register: %w", err)
	}
	return device, nil
}

// ListForUsers returns devices with a live token grouped by user.
func (registry *Registry) ListForUsers(ctx context.Context, userIDs []string) (map[string][]Device, error) {
	result := make(map[string][]Device, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var devices []Device
	err := registry.db.WithContext(ctx).
		Where("user_id IN ? AND device_token <> ''", userIDs).
		Order("device_id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("devices: list for users: %w", err)
	}
	for _, device := range devices {
		result[device.UserID] = append(result[device.UserID], device)
	}
	return result, nil
}

// ListByTokens returns devices currently holding any of the tokens.
func (registry *Registry) ListByTokens(ctx context.Context, tokens []string) ([]Device, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	var devices []Device
	err := registry.db.WithContext(ctx).
		Where("device_token IN ?", tokens).
		Order("device_id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, fmt.Errorf("devices: list by tokens: %w", err)
	}
	return devices, nil
}

// ClearTokens blanks the given tokens and returns the devices that held them, tokens intact.
func (registry *Registry) ClearTokens(ctx context.Context, tokens []string) ([]Device, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	var cleared []Device
	err := registry.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_token IN ?", tokens).Order("device_id ASC").Find(&cleared).Error; err != nil {
			return err
		}
		if len(cleared) == 0 {
			return nil
		}
		return tx.Model(&Device{}).
			Where("device_token IN ?", tokens).
			Updates(map[string]any{"device_token": "", "updated_at": registry.clock().UTC()}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("devices: clear tokens: %w", err)
	}
	if len(cleared) > 0 {
		registry.logger.Info("device tokens cleared", zap.Int("count", len(cleared)))
	}
	return cleared, nil
}
