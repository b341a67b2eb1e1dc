package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"orbit-sitecov/internal/config"
	"orbit-sitecov/internal/coverage"
	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/history"
	"orbit-sitecov/internal/metrics"
	"orbit-sitecov/internal/notify"
	"orbit-sitecov/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sitesCSV = "PXL Site Reference Number,Site Personnel Name,Role,Institution,Starter Pack\n" +
	"PXL-1,Lab,LABP,General,yes\n" +
	"PXL-1,Dr One,PI,General,yes\n" +
	"PXL-1,Coord,SC,General,\n" +
	"PXL-1,Crc,CRC,General,\n" +
	"PXL-2,Dr Two,PI,North,\n" +
	"PXL-2,Coord Two,SC,North,\n"

func testConfig() *config.Config {
	cfg := &config.Config{RequiredRoles: []string{"PI", "SC", "LABP", "CRC"}}
	cfg.Import.BatchSize = 2
	cfg.Coverage.CacheTTL = time.Minute
	return cfg
}

func newTestService(t *testing.T, withCache bool) (*SiteService, *miniredis.Miniredis) {
	t.Helper()
	b := Backends{Store: store.NewMemoryStore(), Feed: notify.NewMemoryFeed(zap.NewNop())}
	var mr *miniredis.Miniredis
	if withCache {
		var err error
		mr, err = miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		b.KV = coverage.NewRedisKVStore(client)
	}
	svc := NewSiteServiceWith(testConfig(), b, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	svc.watcher.debounce = 0
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Close)
	return svc, mr
}

func TestSiteService_ImportAndCoverage(t *testing.T) {
	ctx := context.Background()
	svc, mr := newTestService(t, true)

	res, err := svc.Import(ctx, "p1", "actor", domain.KindSiteData, "sites.csv", strings.NewReader(sitesCSV))
	require.NoError(t, err)
	assert.Equal(t, 6, res.SuccessCount)
	assert.Len(t, res.Batches, 3)
	assert.Equal(t, 1, res.CoercedStarterPacks)

	// 导入批次事件异步到达会清掉缓存，等它们处理完后缓存保持
	var summary *coverage.Summary
	require.Eventually(t, func() bool {
		var err error
		summary, err = svc.Coverage(ctx, "p1")
		return err == nil && mr.Exists("sitecov:coverage:p1:summary")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, summary.TotalReferences)
	assert.Equal(t, 1, summary.WithLABP)
	assert.Equal(t, 1, summary.StarterPackCount)
	assert.Equal(t, []string{"LABP", "CRC"}, summary.MissingRoles["PXL-2"])

	cached, err := svc.Coverage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, summary.TotalReferences, cached.TotalReferences)

	// 写入会触发变更通知，缓存失效
	_, err = svc.Toggle(ctx, "s1", "p1", "actor", "PXL-1", domain.FieldRegisteredInSRP, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !mr.Exists("sitecov:coverage:p1:summary") }, time.Second, 5*time.Millisecond)

	summary, err = svc.Coverage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.RegisteredInSRPCount)
}

func TestSiteService_ToggleRejectedForMissingLABP(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false)
	_, err := svc.Import(ctx, "p1", "actor", domain.KindSiteData, "sites.csv", strings.NewReader(sitesCSV))
	require.NoError(t, err)

	_, err = svc.Toggle(ctx, "s1", "p1", "actor", "PXL-2", domain.FieldStarterPack, true)
	var ee *domain.EligibilityError
	require.True(t, errors.As(err, &ee))

	h, err := svc.History(ctx, history.Query{ProjectID: "p1", ReferenceNumber: "PXL-2"})
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestSiteService_ChangeNotificationRefreshesOtherSessions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false)
	_, err := svc.Import(ctx, "p1", "actor", domain.KindSiteData, "sites.csv", strings.NewReader(sitesCSV))
	require.NoError(t, err)

	before, err := svc.Reference(ctx, "bob", "p1", "bob", "PXL-1")
	require.NoError(t, err)
	assert.False(t, before.SuppliesApplied)

	res, err := svc.Toggle(ctx, "alice", "p1", "alice", "PXL-1", domain.FieldSuppliesApplied, true)
	require.NoError(t, err)
	require.NotNil(t, res.History)

	require.Eventually(t, func() bool {
		ref, err := svc.Reference(ctx, "bob", "p1", "bob", "PXL-1")
		return err == nil && ref.SuppliesApplied
	}, time.Second, 5*time.Millisecond)

	h, err := svc.History(ctx, history.Query{ProjectID: "p1", ReferenceNumber: "PXL-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "alice", h[0].ActorID)
}

func TestSiteService_ReimportKeepsToggledFlags(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false)
	_, err := svc.Import(ctx, "p1", "actor", domain.KindSiteData, "sites.csv", strings.NewReader(sitesCSV))
	require.NoError(t, err)
	_, err = svc.Toggle(ctx, "s", "p1", "actor", "PXL-1", domain.FieldRegisteredInSRP, true)
	require.NoError(t, err)

	_, err = svc.Import(ctx, "p1", "actor", domain.KindSiteData, "sites.csv", strings.NewReader(sitesCSV))
	require.NoError(t, err)

	refs, err := svc.References(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.True(t, refs[0].RegisteredInSRP)
	assert.Len(t, refs[0].Records, 4)
}

func TestSiteService_CRAImport(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false)
	in := "Full Name,First Name,Last Name,Email\n,Ann,Lee,ann@x.org\n"
	res, err := svc.Import(ctx, "p1", "actor", domain.KindCRAList, "cra.csv", strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)

	list, err := svc.CRA(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ann Lee", list[0].FullName)
}

func TestSiteService_CoverageWorkbook(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, false)
	_, err := svc.Import(ctx, "p1", "actor", domain.KindSiteData, "sites.csv", strings.NewReader(sitesCSV))
	require.NoError(t, err)

	data, err := svc.CoverageWorkbook(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, len(data) > 0)
}

type countingRefresher struct{ n atomic.Int32 }

func (c *countingRefresher) RefreshProject(context.Context, string) error {
	c.n.Add(1)
	return nil
}

func TestWatcher_DebounceCoalescesBursts(t *testing.T) {
	ctx := context.Background()
	feed := notify.NewMemoryFeed(zap.NewNop())
	ref := &countingRefresher{}
	w := NewWatcher(feed, ref, nil, 30*time.Millisecond, nil, zap.NewNop())
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, feed.Publish(ctx, domain.ChangeEvent{Table: domain.TableSitePersonnel, ProjectID: "p1"}))
	}
	require.NoError(t, feed.Publish(ctx, domain.ChangeEvent{Table: domain.TableCRAData, ProjectID: "p1"}))

	require.Eventually(t, func() bool { return ref.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), ref.n.Load())
}

func TestWatcher_LateTimerKeepsNewerRegistration(t *testing.T) {
	ref := &countingRefresher{}
	w := NewWatcher(notify.NewMemoryFeed(zap.NewNop()), ref, nil, time.Hour, nil, zap.NewNop())

	late := time.NewTimer(time.Hour)
	late.Stop()
	newer := time.NewTimer(time.Hour)
	defer newer.Stop()
	w.timers["p1"] = newer

	// 旧定时器已到期但晚于新登记拿到锁
	w.fire("p1", late)
	assert.Same(t, newer, w.timers["p1"])
	assert.Equal(t, int32(1), ref.n.Load())

	w.fire("p1", newer)
	assert.Empty(t, w.timers)
	assert.Equal(t, int32(2), ref.n.Load())
}
