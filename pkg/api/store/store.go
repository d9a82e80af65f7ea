package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/badgeoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for launch, course and badge state.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// External configs (tool consumers and the Canvas developer key).
	GetExternalConfig(ctx context.Context, configType, value string) (*ExternalConfig, error)
	GetExternalConfigByType(ctx context.Context, configType string) (*ExternalConfig, error)
	ListExternalConfigs(ctx context.Context, configType string) ([]ExternalConfig, error)
	UpsertExternalConfig(ctx context.Context, cfg *ExternalConfig) error
	DeleteExternalConfig(ctx context.Context, configType, value string) error

	// Per-user access tokens.
	GetUserConfig(ctx context.Context, userID string) (*UserConfig, error)
	UpsertUserConfig(ctx context.Context, cfg *UserConfig) error

	// Per-course badge settings.
	GetCourseConfig(ctx context.Context, courseID string) (*CourseConfig, error)
	UpsertCourseConfig(ctx context.Context, cfg *CourseConfig) error

	// Badges.
	GetBadge(ctx context.Context, courseID, userID string) (*Badge, error)
	GetBadgeByNonce(ctx context.Context, courseID, userID, nonce string) (*Badge, error)
	CreateBadgeIfAbsent(ctx context.Context, badge *Badge) (*Badge, bool, error)

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	UpdateSessionLastActive(ctx context.Context, id uint, t time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Launch nonces.
	UseLaunchNonce(ctx context.Context, consumerKey, nonce string, expiresAt time.Time) (bool, error)
	DeleteExpiredLaunchNonces(ctx context.Context) (int64, error)

	// Seeding from config.
	SeedConsumers(ctx context.Context, consumers []config.LTIConsumer) error
	SeedCanvasOAuth(ctx context.Context, clientID, clientSecret string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; an in-memory database also only
	// exists on the connection that created it.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&ExternalConfig{},
		&UserConfig{},
		&CourseConfig{},
		&Badge{},
		&Session{},
		&LaunchNonce{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store not started")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// notFound maps gorm's record-not-found error onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- External configs ---

func (s *store) GetExternalConfig(
	ctx context.Context, configType, value string,
) (*ExternalConfig, error) {
	var cfg ExternalConfig
	if err := s.db.WithContext(ctx).
		Where("config_type = ? AND value = ?", configType, value).
		First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("getting %s config: %w", configType, notFound(err))
	}

	return &cfg, nil
}

func (s *store) GetExternalConfigByType(
	ctx context.Context, configType string,
) (*ExternalConfig, error) {
	var cfg ExternalConfig
	if err := s.db.WithContext(ctx).
		Where("config_type = ?", configType).
		Order("id ASC").
		First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("getting %s config: %w", configType, notFound(err))
	}

	return &cfg, nil
}

func (s *store) ListExternalConfigs(
	ctx context.Context, configType string,
) ([]ExternalConfig, error) {
	var cfgs []ExternalConfig

	q := s.db.WithContext(ctx).Order("id ASC")
	if configType != "" {
		q = q.Where("config_type = ?", configType)
	}

	if err := q.Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("listing external configs: %w", err)
	}

	return cfgs, nil
}

func (s *store) UpsertExternalConfig(
	ctx context.Context, cfg *ExternalConfig,
) error {
	result := s.db.WithContext(ctx).
		Where("config_type = ? AND value = ?", cfg.ConfigType, cfg.Value).
		Assign(ExternalConfig{SharedSecret: cfg.SharedSecret}).
		FirstOrCreate(cfg)
	if result.Error != nil {
		return fmt.Errorf("upserting %s config: %w", cfg.ConfigType, result.Error)
	}

	return nil
}

func (s *store) DeleteExternalConfig(
	ctx context.Context, configType, value string,
) error {
	result := s.db.WithContext(ctx).
		Where("config_type = ? AND value = ?", configType, value).
		Delete(&ExternalConfig{})
	if result.Error != nil {
		return fmt.Errorf("deleting %s config: %w", configType, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting %s config %q: %w", configType, value, ErrNotFound)
	}

	return nil
}

// --- User configs ---

func (s *store) GetUserConfig(
	ctx context.Context, userID string,
) (*UserConfig, error) {
	var cfg UserConfig
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("getting user config: %w", notFound(err))
	}

	return &cfg, nil
}

func (s *store) UpsertUserConfig(
	ctx context.Context, cfg *UserConfig,
) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ?", cfg.UserID).
		Assign(UserConfig{AccessToken: cfg.AccessToken, Host: cfg.Host}).
		FirstOrCreate(cfg)
	if result.Error != nil {
		return fmt.Errorf("upserting user config: %w", result.Error)
	}

	return nil
}

// --- Course configs ---

func (s *store) GetCourseConfig(
	ctx context.Context, courseID string,
) (*CourseConfig, error) {
	var cfg CourseConfig
	if err := s.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("getting course config: %w", notFound(err))
	}

	return &cfg, nil
}

func (s *store) UpsertCourseConfig(
	ctx context.Context, cfg *CourseConfig,
) error {
	result := s.db.WithContext(ctx).
		Where("course_id = ?", cfg.CourseID).
		Assign(CourseConfig{Settings: cfg.Settings}).
		FirstOrCreate(cfg)
	if result.Error != nil {
		return fmt.Errorf("upserting course config: %w", result.Error)
	}

	return nil
}

// --- Badges ---

func (s *store) GetBadge(
	ctx context.Context, courseID, userID string,
) (*Badge, error) {
	var badge Badge
	if err := s.db.WithContext(ctx).
		Where("course_id = ? AND user_id = ?", courseID, userID).
		First(&badge).Error; err != nil {
		return nil, fmt.Errorf("getting badge: %w", notFound(err))
	}

	return &badge, nil
}

func (s *store) GetBadgeByNonce(
	ctx context.Context, courseID, userID, nonce string,
) (*Badge, error) {
	var badge Badge
	if err := s.db.WithContext(ctx).
		Where("course_id = ? AND user_id = ? AND nonce = ?",
			courseID, userID, nonce).
		First(&badge).Error; err != nil {
		return nil, fmt.Errorf("getting badge by nonce: %w", notFound(err))
	}

	return &badge, nil
}

// CreateBadgeIfAbsent inserts badge unless one already exists for its
// (course, user) pair. It returns the stored badge and whether this call
// created it. Concurrent callers race on the unique index, so exactly one
// of them observes created == true.
func (s *store) CreateBadgeIfAbsent(
	ctx context.Context, badge *Badge,
) (*Badge, bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "course_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(badge)
	if result.Error != nil {
		return nil, false, fmt.Errorf("creating badge: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		return badge, true, nil
	}

	existing, err := s.GetBadge(ctx, badge.CourseID, badge.UserID)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

// --- Sessions ---

func (s *store) CreateSession(
	ctx context.Context, session *Session,
) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *store) GetSessionByToken(
	ctx context.Context, token string,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		return nil, fmt.Errorf("getting session by token: %w", notFound(err))
	}

	return &session, nil
}

func (s *store) UpdateSession(
	ctx context.Context, session *Session,
) error {
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	return nil
}

func (s *store) UpdateSessionLastActive(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating session last active: %w", err)
	}

	return nil
}

func (s *store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired sessions")
	}

	return result.RowsAffected, nil
}

// --- Launch nonces ---

// UseLaunchNonce records nonce for consumerKey. It returns false when the
// pair has already been recorded, meaning the launch is a replay.
func (s *store) UseLaunchNonce(
	ctx context.Context, consumerKey, nonce string, expiresAt time.Time,
) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "consumer_key"}, {Name: "nonce"}},
			DoNothing: true,
		}).
		Create(&LaunchNonce{
			ConsumerKey: consumerKey,
			Nonce:       nonce,
			ExpiresAt:   expiresAt.UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("recording launch nonce: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

func (s *store) DeleteExpiredLaunchNonces(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&LaunchNonce{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting expired launch nonces: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired launch nonces")
	}

	return result.RowsAffected, nil
}

// --- Seeding ---

// SeedConsumers upserts the tool consumers listed in config.
func (s *store) SeedConsumers(
	ctx context.Context, consumers []config.LTIConsumer,
) error {
	for _, c := range consumers {
		if err := s.UpsertExternalConfig(ctx, &ExternalConfig{
			ConfigType:   ConfigTypeLTI,
			Value:        c.Key,
			SharedSecret: c.Secret,
		}); err != nil {
			return fmt.Errorf("seeding consumer %q: %w", c.Key, err)
		}
	}

	if len(consumers) > 0 {
		s.log.WithField("count", len(consumers)).
			Info("Seeded LTI consumers from config")
	}

	return nil
}

// SeedCanvasOAuth stores the Canvas developer key from config. Any other
// canvas_oauth row is removed so exactly one key is active.
func (s *store) SeedCanvasOAuth(
	ctx context.Context, clientID, clientSecret string,
) error {
	if clientID == "" {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("config_type = ? AND value <> ?", ConfigTypeCanvasOAuth, clientID).
			Delete(&ExternalConfig{}).Error; err != nil {
			return err
		}

		return tx.
			Where("config_type = ? AND value = ?", ConfigTypeCanvasOAuth, clientID).
			Assign(ExternalConfig{SharedSecret: clientSecret}).
			FirstOrCreate(&ExternalConfig{
				ConfigType: ConfigTypeCanvasOAuth,
				Value:      clientID,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("seeding canvas oauth config: %w", err)
	}

	s.log.Info("Seeded Canvas OAuth config from config")

	return nil
}
