package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"CareLink/internal/models"
	"CareLink/pkg/config"
	"CareLink/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestGormStoreCRUD(t *testing.T) {
	ctx := context.Background()
	st := NewGormStore(openDB(t))

	now := time.Now().UTC()
	_, err := st.Insert(ctx, models.TableSOSAlerts, Record{
		"id": "a1", "senior_id": "s1", "status": "raised", "escalation_level": "none",
		"emergency_phones": "111, 222", "created_at": now, "updated_at": now,
	})
	require.NoError(t, err)

	rec, err := st.FindOne(ctx, models.TableSOSAlerts, Filter{"id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.String("senior_id"))
	assert.Nil(t, rec.StringPtr("volunteer_id"))
	assert.Equal(t, []string{"111", "222"}, rec.List("emergency_phones"))
	assert.WithinDuration(t, now, rec.Time("created_at"), time.Second)

	// volunteer_id IS NULL 条件更新只成功一次
	rows, err := st.Update(ctx, models.TableSOSAlerts, Filter{"id": "a1", "volunteer_id": nil}, Record{"volunteer_id": "v1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	rows, err = st.Update(ctx, models.TableSOSAlerts, Filter{"id": "a1", "volunteer_id": nil}, Record{"volunteer_id": "v2"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows)

	recs, err := st.Find(ctx, models.TableSOSAlerts, Filter{"status": []string{"raised", "active"}})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = st.FindOne(ctx, models.TableSOSAlerts, Filter{"id": "missing"})
	assert.True(t, IsNotFound(err))

	_, err = st.Update(ctx, models.TableSOSAlerts, Filter{}, Record{"status": "closed"})
	assert.Error(t, err)
}

// legacy 表：状态只接受 active/closed，没有升级相关的列
func openLegacy(t *testing.T) (*Negotiator, Store) {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE legacy_alerts (
		id TEXT PRIMARY KEY,
		senior_id TEXT,
		status TEXT NOT NULL CHECK (status IN ('active','closed')),
		volunteer_id TEXT
	)`).Error)
	st := NewGormStore(db)
	return NewNegotiator(st, config.DefaultSchema(), zap.NewNop(), nil), st
}

func TestNegotiatorInsertFallsBack(t *testing.T) {
	ctx := context.Background()
	n, st := openLegacy(t)

	written, err := n.TryInsert(ctx, "legacy_alerts", Record{
		"id": "a1", "senior_id": "s1", "status": "raised",
		"escalation_level": "none", "location": "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "active", written["status"])
	assert.NotContains(t, written, "escalation_level")

	rec, err := st.FindOne(ctx, "legacy_alerts", Filter{"id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, "active", rec.String("status"))
}

func TestNegotiatorUpdateFallsBack(t *testing.T) {
	ctx := context.Background()
	n, st := openLegacy(t)
	_, err := st.Insert(ctx, "legacy_alerts", Record{"id": "a1", "senior_id": "s1", "status": "active"})
	require.NoError(t, err)

	// acknowledged 的所有别名都被拒绝，只写 volunteer_id
	rows, err := n.TryUpdate(ctx, "legacy_alerts", Filter{"id": "a1", "volunteer_id": nil}, Record{
		"status": "acknowledged", "volunteer_id": "v1", "acknowledged_at": time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	rec, _ := st.FindOne(ctx, "legacy_alerts", Filter{"id": "a1"})
	assert.Equal(t, "active", rec.String("status"))
	assert.Equal(t, "v1", rec.String("volunteer_id"))

	// 条件不再满足时返回 0 行
	rows, err = n.TryUpdate(ctx, "legacy_alerts", Filter{"id": "a1", "volunteer_id": nil}, Record{"volunteer_id": "v2"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows)

	// resolved -> closed
	_, err = n.TryUpdate(ctx, "legacy_alerts", Filter{"id": "a1"}, Record{"status": "resolved", "resolution_notes": "ok"})
	require.NoError(t, err)
	rec, _ = st.FindOne(ctx, "legacy_alerts", Filter{"id": "a1"})
	assert.Equal(t, "closed", rec.String("status"))
}

func TestWriteStrippingDropsNamedColumn(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewNegotiator(nil, config.DefaultSchema(), zap.New(core), nil)

	var attempts []Record
	write := func(p Record) error {
		attempts = append(attempts, p.Clone())
		if _, ok := p["location"]; ok {
			return errors.New("table sos_alerts has no column named location")
		}
		return nil
	}
	degraded, err := n.writeStripping(Record{"id": "a1", "location": "{}"}, write)
	require.NoError(t, err)
	assert.True(t, degraded)
	require.Len(t, attempts, 2)
	assert.Equal(t, Record{"id": "a1"}, attempts[1])

	entries := logs.FilterMessage("retrying write without unknown column").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "location", entries[0].ContextMap()["column"])
}

func TestNegotiatorStatusMapping(t *testing.T) {
	n := NewNegotiator(nil, config.DefaultSchema(), nil, nil)
	assert.Equal(t, []string{"raised", "active", "open"}, n.StatusCandidates("raised"))
	assert.Equal(t, "raised", n.Logical("active", "raised", "acknowledged", "in_progress"))
	assert.Equal(t, "in_progress", n.Logical("in_progress", "raised", "in_progress"))
	assert.Contains(t, n.StatusValues("raised", "escalated"), "escalated")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsUnknownColumn(errors.New("SQL logic error: no such column: escalation_level (1)")))
	assert.True(t, IsUnknownColumn(errors.New("Error 1054 (42S22): Unknown column 'location' in 'field list'")))
	assert.True(t, IsUnknownColumn(errors.New(`ERROR: column "location" of relation "sos_alerts" does not exist (SQLSTATE 42703)`)))
	assert.False(t, IsUnknownColumn(errors.New(`ERROR: relation "sos_alerts" does not exist`)))
	assert.Equal(t, "location", unknownColumn(errors.New("table x has no column named location")))

	assert.True(t, IsCheckViolation(errors.New("constraint failed: CHECK constraint failed: status (275)")))
	assert.True(t, IsCheckViolation(errors.New(`new row violates check constraint "sos_status_check"`)))
	assert.False(t, IsCheckViolation(errors.New("database is locked")))
}

func TestFaultStore(t *testing.T) {
	ctx := context.Background()
	f := NewFaultStore(NewGormStore(openDB(t)))
	boom := errors.New("boom")
	f.FailInsert(models.TableConversations, boom)

	_, err := f.Insert(ctx, models.TableConversations, Record{"id": "c1", "status": "active"})
	assert.ErrorIs(t, err, boom)

	f.Heal()
	_, err = f.Insert(ctx, models.TableConversations, Record{"id": "c1", "status": "active"})
	assert.NoError(t, err)
}
