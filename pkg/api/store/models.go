package store

import (
	"time"
)

// ExternalConfig type constants.
const (
	// ConfigTypeLTI rows hold a tool consumer key (Value) and the shared
	// secret used to verify its launches.
	ConfigTypeLTI = "lti"
	// ConfigTypeCanvasOAuth rows hold the Canvas developer key client id
	// (Value) and client secret.
	ConfigTypeCanvasOAuth = "canvas_oauth"
)

// ExternalConfig holds credentials for an external party.
type ExternalConfig struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	ConfigType   string `gorm:"not null;uniqueIndex:idx_external_config_type_value" json:"config_type"`
	Value        string `gorm:"not null;uniqueIndex:idx_external_config_type_value" json:"value"`
	SharedSecret string `gorm:"not null" json:"-"`
}

// UserConfig stores the Canvas access token obtained for a user.
type UserConfig struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"uniqueIndex;not null" json:"user_id"`
	AccessToken string    `gorm:"not null" json:"-"`
	Host        string    `gorm:"not null" json:"host"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CourseConfig stores the encoded badge settings of a course.
type CourseConfig struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CourseID  string    `gorm:"uniqueIndex;not null" json:"course_id"`
	Settings  string    `gorm:"type:text" json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Badge is an issued badge. Rows are written once and never modified.
type Badge struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CourseID    string    `gorm:"not null;uniqueIndex:idx_badge_course_user" json:"course_id"`
	UserID      string    `gorm:"not null;uniqueIndex:idx_badge_course_user" json:"user_id"`
	BadgeURL    string    `gorm:"not null" json:"badge_url"`
	Nonce       string    `gorm:"uniqueIndex;not null" json:"-"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Recipient   string    `gorm:"not null" json:"recipient"`
	Salt        string    `gorm:"not null" json:"salt"`
	Issued      time.Time `gorm:"not null" json:"issued"`
}

// Session carries the state of one launch-to-claim flow for a browser.
type Session struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Token          string     `gorm:"uniqueIndex;not null" json:"-"`
	CourseID       string     `gorm:"not null" json:"course_id"`
	UserID         string     `gorm:"not null" json:"user_id"`
	Email          string     `json:"email"`
	EditPrivileges bool       `gorm:"not null;default:false" json:"edit_privileges"`
	APIHost        string     `json:"api_host"`
	OAuthState     string     `json:"-"`
	ExpiresAt      time.Time  `gorm:"not null;index" json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActiveAt   *time.Time `json:"last_active_at"`
}

// LaunchNonce records an accepted launch nonce so it cannot be replayed
// within the timestamp window.
type LaunchNonce struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ConsumerKey string    `gorm:"not null;uniqueIndex:idx_launch_nonce_key_nonce" json:"consumer_key"`
	Nonce       string    `gorm:"not null;uniqueIndex:idx_launch_nonce_key_nonce" json:"nonce"`
	ExpiresAt   time.Time `gorm:"not null;index" json:"expires_at"`
}
