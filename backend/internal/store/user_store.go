package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserStore struct{ db *gorm.DB }

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// CreateUser 注册带密码的用户，用户名重复返回 ErrUsernameTaken。
func (s *UserStore) CreateUser(ctx context.Context, u *User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if err != nil {
		if isDuplicateKey(err) {
			return ErrUsernameTaken
		}
		return err
	}
	return nil
}

// UpsertProfile 保存外部身份提供方同步过来的资料，不触碰密码。
func (s *UserStore) UpsertProfile(ctx context.Context, u *User) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "email", "updated_at"}),
	}).Create(u).Error
	if err != nil && isDuplicateKey(err) {
		return ErrUsernameTaken
	}
	return err
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).Order("username").Find(&out).Error
	return out, err
}
