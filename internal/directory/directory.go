// Package directory 读取老人与志愿者档案，带缓存
package directory

import (
	"context"
	"encoding/json"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/store"
	"CareLink/pkg/cache"
	"CareLink/pkg/metrics"

	"go.uber.org/zap"
)

type Senior struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Phone           string   `json:"phone"`
	Region          string   `json:"region"`
	NGOID           string   `json:"ngoId"`
	EmergencyPhones []string `json:"emergencyPhones"`
}

type Volunteer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Region   string `json:"region"`
	Approved bool   `json:"approved"`
}

// Directory 档案查询；档案缺失不是错误，返回零值档案
type Directory struct {
	st      store.Store
	cache   cache.Cache
	ttl     time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(st store.Store, c cache.Cache, ttl time.Duration, log *zap.Logger, m *metrics.Metrics) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Directory{st: st, cache: c, ttl: ttl, log: log, metrics: m, now: time.Now}
}

func seniorKey(id string) string    { return "profile:senior:" + id }
func volunteerKey(id string) string { return "profile:volunteer:" + id }

// Senior 查询老人档案
func (d *Directory) Senior(ctx context.Context, id string) (Senior, error) {
	var s Senior
	if d.cached(ctx, seniorKey(id), &s) {
		return s, nil
	}
	rec, err := d.st.FindOne(ctx, models.TableSeniors, store.Filter{"id": id})
	if err != nil {
		if store.IsNotFound(err) {
			return Senior{ID: id}, nil
		}
		return Senior{ID: id}, err
	}
	s = Senior{
		ID:              id,
		Name:            rec.String("name"),
		Phone:           rec.String("phone"),
		Region:          rec.String("region"),
		NGOID:           rec.String("ngo_id"),
		EmergencyPhones: rec.List("emergency_phones"),
	}
	d.store(ctx, seniorKey(id), s)
	return s, nil
}

// Volunteer 查询志愿者档案
func (d *Directory) Volunteer(ctx context.Context, id string) (Volunteer, error) {
	var v Volunteer
	if d.cached(ctx, volunteerKey(id), &v) {
		return v, nil
	}
	rec, err := d.st.FindOne(ctx, models.TableVolunteers, store.Filter{"id": id})
	if err != nil {
		if store.IsNotFound(err) {
			return Volunteer{ID: id}, nil
		}
		return Volunteer{ID: id}, err
	}
	v = Volunteer{
		ID:       id,
		Name:     rec.String("name"),
		Region:   rec.String("region"),
		Approved: rec.Bool("approved"),
	}
	d.store(ctx, volunteerKey(id), v)
	return v, nil
}

// Invalidate 档案变更后清缓存
func (d *Directory) Invalidate(ctx context.Context, id string) {
	if d.cache == nil {
		return
	}
	_ = d.cache.Delete(ctx, seniorKey(id))
	_ = d.cache.Delete(ctx, volunteerKey(id))
}

// SetVolunteerOnline 镜像志愿者在线状态，没有档案行时跳过
func (d *Directory) SetVolunteerOnline(ctx context.Context, id string, online bool) error {
	now := d.now().UTC()
	_, err := d.st.Update(ctx, models.TableVolunteers, store.Filter{"id": id}, store.Record{
		"is_online":    online,
		"last_seen_at": now,
		"updated_at":   now,
	})
	if err != nil {
		d.metrics.RecordStorageDegraded(models.TableVolunteers, "update")
		d.log.Warn("mirror volunteer availability failed", zap.String("volunteer_id", id), zap.Bool("online", online), zap.Error(err))
	}
	return err
}

// OnlineVolunteerIDs 存储里标记为在线的志愿者
func (d *Directory) OnlineVolunteerIDs(ctx context.Context) ([]string, error) {
	recs, err := d.st.Find(ctx, models.TableVolunteers, store.Filter{"is_online": true})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.String("id"))
	}
	return ids, nil
}

// 缓存统一存 JSON 字符串，redis 与本地实现行为一致
func (d *Directory) cached(ctx context.Context, key string, out interface{}) bool {
	if d.cache == nil {
		return false
	}
	v, ok := d.cache.Get(ctx, key)
	if ok {
		if s, isStr := v.(string); isStr && json.Unmarshal([]byte(s), out) == nil {
			d.metrics.RecordCacheLookup("profile", true)
			return true
		}
	}
	d.metrics.RecordCacheLookup("profile", false)
	return false
}

func (d *Directory) store(ctx context.Context, key string, v interface{}) {
	if d.cache == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, key, string(b), d.ttl); err != nil {
		d.log.Debug("profile cache set failed", zap.String("key", key), zap.Error(err))
	}
}
