package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates no user matched the lookup key.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrDuplicateUsername indicates another record already owns the username.
	ErrDuplicateUsername = errors.New("users: duplicate username")
	errMissingUser       = errors.New("users: user required")
)

// StoreConfig describes the dependencies required by the user store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider func() string
}

// Store persists users and their role sets.
type Store struct {
	db    *gorm.DB
	newID func() string
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = func() string {
			return uuid.NewString()
		}
	}
	return &Store{
		db:    cfg.Database,
		newID: idProvider,
	}, nil
}

// FindByUsername loads the user and its roles by unique username.
func (s *Store) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("username = ?", username).
		Take(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID loads the user and its roles by primary key.
func (s *Store) FindByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("id = ?", id).
		Take(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Save inserts a user without an id or updates an existing one, replacing its role set.
// The returned copy carries the assigned id and timestamps.
func (s *Store) Save(ctx context.Context, user *User) (*User, error) {
	if user == nil {
		return nil, errMissingUser
	}
	saved := *user
	roles := saved.RoleSet()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if saved.ID == "" {
			saved.ID = s.newID()
			if err := tx.Omit(clause.Associations).Create(&saved).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s", ErrDuplicateUsername, saved.Username)
				}
				return err
			}
		} else {
			if err := tx.Omit(clause.Associations).Save(&saved).Error; err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: %s", ErrDuplicateUsername, saved.Username)
				}
				return err
			}
			if err := tx.Where("user_id = ?", saved.ID).Delete(&UserRole{}).Error; err != nil {
				return err
			}
		}

		saved.SetRoles(roles...)
		if len(saved.Roles) == 0 {
			return nil
		}
		return tx.Create(&saved.Roles).Error
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
