package listeners

import (
	"context"

	"CareLink/internal/presence"
	"CareLink/pkg/logger"
	"CareLink/pkg/scheduler"

	"go.uber.org/zap"
)

const availabilityJob = "volunteer-availability-reconcile"

// AvailabilityStore 志愿者在线状态的持久化镜像
type AvailabilityStore interface {
	SetVolunteerOnline(ctx context.Context, volunteerID string, online bool) error
	OnlineVolunteerIDs(ctx context.Context) ([]string, error)
}

// AvailabilityReconciler 以内存在线表为准修复 volunteers.is_online
type AvailabilityReconciler struct {
	presence *presence.Registry
	store    AvailabilityStore
}

func NewAvailabilityReconciler(reg *presence.Registry, st AvailabilityStore) *AvailabilityReconciler {
	return &AvailabilityReconciler{presence: reg, store: st}
}

// Reconcile 返回标记为在线、标记为离线的数量
func (r *AvailabilityReconciler) Reconcile(ctx context.Context) (online, offline int) {
	live := make(map[string]struct{})
	for _, id := range r.presence.ListOnline(presence.RoleVolunteer) {
		live[id] = struct{}{}
		if err := r.store.SetVolunteerOnline(ctx, id, true); err != nil {
			continue
		}
		online++
	}

	stored, err := r.store.OnlineVolunteerIDs(ctx)
	if err != nil {
		logger.Warn("list stored online volunteers failed", zap.Error(err))
		return online, offline
	}
	for _, id := range stored {
		if _, ok := live[id]; ok {
			continue
		}
		if err := r.store.SetVolunteerOnline(ctx, id, false); err != nil {
			continue
		}
		offline++
	}
	return online, offline
}

// InitAvailabilityListeners 注册在线状态对账任务，expr 为空时不启用
func InitAvailabilityListeners(cr *scheduler.Cron, r *AvailabilityReconciler, expr string) error {
	if expr == "" {
		return nil
	}
	_, err := cr.Add(availabilityJob, expr, scheduler.FuncJob(func(ctx context.Context) {
		online, offline := r.Reconcile(ctx)
		if offline > 0 {
			logger.Info("stale volunteer availability repaired", zap.Int("online", online), zap.Int("offline", offline))
		}
	}))
	return err
}
