package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Profile is the local device identity. Exactly one row exists per store;
// the device id is generated on first launch and never changes.
type Profile struct {
	DeviceID      string
	DisplayName   string
	AvatarEmoji   string
	AvatarBg      string
	StatusMessage string
	CreatedAt     int64
	UpdatedAt     int64
}

// EnsureProfile returns the stored profile, creating one with a freshly
// generated device id and the given default display name on first launch.
func (s *Store) EnsureProfile(defaultName string) (Profile, error) {
	p, err := s.GetProfile()
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return Profile{}, err
	}

	now := time.Now().UnixMilli()
	p = Profile{
		DeviceID:    uuid.NewString(),
		DisplayName: defaultName,
		AvatarEmoji: "💡",
		AvatarBg:    "#4F8EF7",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.Exec(
		`INSERT INTO profile(id, device_id, display_name, avatar_emoji, avatar_bg, status_message, created_at, updated_at)
		 VALUES(1, ?, ?, ?, ?, ?, ?, ?)`,
		p.DeviceID, p.DisplayName, p.AvatarEmoji, p.AvatarBg, p.StatusMessage, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

// GetProfile returns the stored profile, or sql.ErrNoRows before first launch.
func (s *Store) GetProfile() (Profile, error) {
	var p Profile
	err := s.db.QueryRow(
		`SELECT device_id, display_name, avatar_emoji, avatar_bg, status_message, created_at, updated_at
		 FROM profile WHERE id = 1`,
	).Scan(&p.DeviceID, &p.DisplayName, &p.AvatarEmoji, &p.AvatarBg, &p.StatusMessage, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// UpdateProfile mutates the display attributes of the local profile.
// The device id and created_at are immutable.
func (s *Store) UpdateProfile(displayName, avatarEmoji, avatarBg, statusMessage string) (Profile, error) {
	_, err := s.db.Exec(
		`UPDATE profile SET display_name = ?, avatar_emoji = ?, avatar_bg = ?, status_message = ?, updated_at = ?
		 WHERE id = 1`,
		displayName, avatarEmoji, avatarBg, statusMessage, time.Now().UnixMilli(),
	)
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return s.GetProfile()
}
