// Package store 以 map 记录读写业务表，屏蔽具体 schema
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	apperrors "CareLink/pkg/errors"

	"gorm.io/gorm"
)

// Filter 等值条件；nil 值表示 IS NULL，[]string 值表示 IN
type Filter map[string]interface{}

// Store 持久化服务
type Store interface {
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	// Update 返回命中的行数，调用方据此判断条件更新是否生效
	Update(ctx context.Context, table string, filter Filter, patch Record) (int64, error)
	Find(ctx context.Context, table string, filter Filter) ([]Record, error)
	FindOne(ctx context.Context, table string, filter Filter) (Record, error)
}

// GormStore 基于 gorm 的实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	if len(rec) == 0 {
		return nil, apperrors.WithCode(apperrors.CodeInvalidArgument, "empty record")
	}
	row := map[string]interface{}(rec.Clone())
	if err := s.db.WithContext(ctx).Table(table).Create(row).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *GormStore) Update(ctx context.Context, table string, filter Filter, patch Record) (int64, error) {
	if len(filter) == 0 {
		// 不允许无条件更新整表
		return 0, apperrors.WithCode(apperrors.CodeInvalidArgument, "update without filter")
	}
	if len(patch) == 0 {
		return 0, nil
	}
	tx := applyFilter(s.db.WithContext(ctx).Table(table), filter).
		Updates(map[string]interface{}(patch.Clone()))
	return tx.RowsAffected, tx.Error
}

func (s *GormStore) Find(ctx context.Context, table string, filter Filter) ([]Record, error) {
	var rows []map[string]interface{}
	if err := applyFilter(s.db.WithContext(ctx).Table(table), filter).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Record(r))
	}
	return out, nil
}

func (s *GormStore) FindOne(ctx context.Context, table string, filter Filter) (Record, error) {
	var rows []map[string]interface{}
	err := applyFilter(s.db.WithContext(ctx).Table(table), filter).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperrors.WrapCode(apperrors.CodeNotFound, gorm.ErrRecordNotFound, fmt.Sprintf("%s: no matching row", table)).
			WithContext("table", table)
	}
	return Record(rows[0]), nil
}

// IsNotFound FindOne 未命中
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || apperrors.HasCode(err, apperrors.CodeNotFound)
}

func applyFilter(tx *gorm.DB, filter Filter) *gorm.DB {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := filter[k].(type) {
		case nil:
			tx = tx.Where(k + " IS NULL")
		case []string:
			tx = tx.Where(k+" IN ?", v)
		default:
			tx = tx.Where(k+" = ?", v)
		}
	}
	return tx
}
