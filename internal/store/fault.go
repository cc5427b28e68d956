package store

import (
	"context"
	"sync"
)

// FaultStore 按表注入写错误，用于测试持久层故障
type FaultStore struct {
	Store
	mu        sync.Mutex
	insertErr map[string]error
	updateErr map[string]error
}

func NewFaultStore(inner Store) *FaultStore {
	return &FaultStore{Store: inner, insertErr: map[string]error{}, updateErr: map[string]error{}}
}

func (f *FaultStore) FailInsert(table string, err error) {
	f.mu.Lock()
	f.insertErr[table] = err
	f.mu.Unlock()
}

func (f *FaultStore) FailUpdate(table string, err error) {
	f.mu.Lock()
	f.updateErr[table] = err
	f.mu.Unlock()
}

// Heal 清除所有注入的错误
func (f *FaultStore) Heal() {
	f.mu.Lock()
	f.insertErr = map[string]error{}
	f.updateErr = map[string]error{}
	f.mu.Unlock()
}

func (f *FaultStore) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	f.mu.Lock()
	err := f.insertErr[table]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Insert(ctx, table, rec)
}

func (f *FaultStore) Update(ctx context.Context, table string, filter Filter, patch Record) (int64, error) {
	f.mu.Lock()
	err := f.updateErr[table]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Store.Update(ctx, table, filter, patch)
}
