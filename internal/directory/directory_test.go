package directory

import (
	"context"
	"testing"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/store"
	"CareLink/pkg/cache"
	"CareLink/pkg/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, db.Create(&models.Senior{
		ID: "s1", Name: "Mei", Region: "north", NGOID: "n1", EmergencyPhones: "13800000000,13900000000",
	}).Error)
	require.NoError(t, db.Create(&models.Volunteer{ID: "v1", Name: "Li", Region: "north", Approved: true}).Error)
	return store.NewGormStore(db)
}

func TestSeniorProfileIsCached(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	d := New(st, cache.NewLocalCache(cache.LocalConfig{}), time.Minute, nil, nil)

	s, err := d.Senior(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "n1", s.NGOID)
	assert.Equal(t, []string{"13800000000", "13900000000"}, s.EmergencyPhones)

	_, err = st.Update(ctx, models.TableSeniors, store.Filter{"id": "s1"}, store.Record{"ngo_id": "n2"})
	require.NoError(t, err)

	s, _ = d.Senior(ctx, "s1")
	assert.Equal(t, "n1", s.NGOID, "served from cache")

	d.Invalidate(ctx, "s1")
	s, _ = d.Senior(ctx, "s1")
	assert.Equal(t, "n2", s.NGOID)
}

func TestVolunteerProfileOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache(cache.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	d := New(newStore(t), c, time.Minute, nil, nil)

	v, err := d.Volunteer(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.True(t, mr.Exists("profile:volunteer:v1"))

	v, err = d.Volunteer(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "north", v.Region)
}

func TestMissingProfileIsNotAnError(t *testing.T) {
	d := New(newStore(t), nil, 0, nil, nil)
	s, err := d.Senior(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "unknown", s.ID)
	assert.Empty(t, s.NGOID)
}

func TestVolunteerAvailabilityMirror(t *testing.T) {
	ctx := context.Background()
	d := New(newStore(t), nil, 0, nil, nil)

	require.NoError(t, d.SetVolunteerOnline(ctx, "v1", true))
	ids, err := d.OnlineVolunteerIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ids)

	require.NoError(t, d.SetVolunteerOnline(ctx, "v1", false))
	ids, _ = d.OnlineVolunteerIDs(ctx)
	assert.Empty(t, ids)
}
