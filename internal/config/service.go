package config

import (
	"context"
	"fmt"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/ulid"
)

// SettingsService layers typed accessors over the settings table: device
// identity, server credentials and the per entity type pull cursors.
type SettingsService struct {
	repo   SettingsRepository
	config *Config
	logger *loggy.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(repo SettingsRepository, config *Config, logger *loggy.Logger) *SettingsService {
	return &SettingsService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// Repository returns the underlying repository
func (s *SettingsService) Repository() SettingsRepository {
	return s.repo
}

// LoadInto overlays values saved with SetServerURL/SetToken/SetDeviceName
// onto the loaded configuration.
func (s *SettingsService) LoadInto(ctx context.Context) error {
	settings, err := s.repo.GetSettings(ctx, "")
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	if v := settings[KeyServerURL]; v != "" {
		s.config.Server.URL = v
	}
	if v := settings[KeyServerToken]; v != "" {
		s.config.Server.Token = v
	}
	if v := settings[KeyDeviceName]; v != "" {
		s.config.Server.DeviceName = v
	}
	return nil
}

// DeviceID returns the persistent device id, creating one on first use.
// A device name is generated alongside it when none is configured.
func (s *SettingsService) DeviceID(ctx context.Context) (string, error) {
	id, err := s.repo.GetSetting(ctx, KeyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = ulid.DeviceID()
	if err := s.repo.SetSetting(ctx, KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("saving device id: %w", err)
	}

	if s.config.Server.DeviceName == "" {
		name := namegenerator.NewNameGenerator(time.Now().UnixNano()).Generate()
		if err := s.SetDeviceName(ctx, name); err != nil {
			return "", err
		}
	}

	s.logger.Info("Registered new device", "device_id", id, "device_name", s.config.Server.DeviceName)
	return id, nil
}

// SetToken stores the bearer token
func (s *SettingsService) SetToken(ctx context.Context, token string) error {
	s.config.Server.Token = token
	return s.repo.SetSetting(ctx, KeyServerToken, token)
}

// SetServerURL stores the remote base URL
func (s *SettingsService) SetServerURL(ctx context.Context, url string) error {
	s.config.Server.URL = url
	return s.repo.SetSetting(ctx, KeyServerURL, url)
}

// SetDeviceName stores the device name
func (s *SettingsService) SetDeviceName(ctx context.Context, name string) error {
	s.config.Server.DeviceName = name
	return s.repo.SetSetting(ctx, KeyDeviceName, name)
}

// Cursor returns the last pull watermark for entityType, zero if never pulled
func (s *SettingsService) Cursor(ctx context.Context, entityType string) (time.Time, error) {
	v, err := s.repo.GetSetting(ctx, KeyCursorPrefix+entityType)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Warn("Discarding unparsable pull cursor", "entity_type", entityType, "value", v)
		return time.Time{}, nil
	}
	return t, nil
}

// SetCursor records the pull watermark for entityType
func (s *SettingsService) SetCursor(ctx context.Context, entityType string, t time.Time) error {
	return s.repo.SetSetting(ctx, KeyCursorPrefix+entityType, t.UTC().Format(time.RFC3339Nano))
}

// ResetCursors forgets every pull watermark so the next pull is a full one
func (s *SettingsService) ResetCursors(ctx context.Context) error {
	cursors, err := s.repo.GetSettings(ctx, KeyCursorPrefix)
	if err != nil {
		return err
	}
	for key := range cursors {
		if err := s.repo.DeleteSetting(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
