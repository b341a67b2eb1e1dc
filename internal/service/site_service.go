// Package service 组装存储、通知、导入、聚合、覆盖、状态与历史组件。
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"orbit-sitecov/common/database"
	mqttcommon "orbit-sitecov/common/mqtt"
	rediscommon "orbit-sitecov/common/redis"
	"orbit-sitecov/internal/aggregator"
	"orbit-sitecov/internal/config"
	"orbit-sitecov/internal/coverage"
	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/history"
	"orbit-sitecov/internal/importer"
	"orbit-sitecov/internal/metrics"
	"orbit-sitecov/internal/notify"
	"orbit-sitecov/internal/report"
	"orbit-sitecov/internal/repository"
	"orbit-sitecov/internal/status"
	"orbit-sitecov/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultRefreshDebounce 变更通知合并窗口
const DefaultRefreshDebounce = 250 * time.Millisecond

// Backends 外部依赖；测试中直接注入
type Backends struct {
	Store store.RecordStore
	Feed  notify.Feed
	// KV 为 nil 时不缓存覆盖汇总
	KV coverage.KVStore
}

// SiteService 站点覆盖服务
type SiteService struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	feed       notify.Feed
	sites      *repository.SitePersonnelRepository
	cra        *repository.CRARepository
	importer   *importer.Importer
	aggregator *aggregator.Aggregator
	analyzer   *coverage.Analyzer
	cache      *coverage.SummaryCache
	engine     *status.Engine
	recorder   *history.Recorder
	watcher    *Watcher
}

// NewSiteService 按配置连接存储与通知后端
func NewSiteService(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*SiteService, error) {
	var b Backends
	var db *sql.DB
	var redisClient *redis.Client
	var mqttClient *mqttcommon.Client

	cleanup := func() {
		if db != nil {
			database.Close(db)
		}
		if redisClient != nil {
			rediscommon.Close(redisClient)
		}
		if mqttClient != nil {
			mqttClient.Disconnect()
		}
	}

	switch cfg.StoreBackend {
	case config.StorePostgres:
		var err error
		db, err = database.Open(context.Background(), &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		b.Store = store.NewPostgresStore(db, logger)
	case config.StoreREST:
		b.Store = store.NewRESTStore(&cfg.REST, logger)
	default:
		b.Store = store.NewMemoryStore()
	}

	if cfg.NeedsRedis() {
		var err error
		redisClient, err = rediscommon.Connect(context.Background(), &cfg.Redis)
		if err != nil {
			cleanup()
			return nil, err
		}
		if cfg.Coverage.CacheEnabled {
			b.KV = coverage.NewRedisKVStore(redisClient)
		}
	}

	switch cfg.Notify.Backend {
	case config.NotifyRedis:
		b.Feed = notify.NewRedisStreamFeed(redisClient, notify.RedisStreamConfig{
			Stream:   cfg.Notify.Stream,
			Group:    cfg.Notify.ConsumerGroup,
			Consumer: cfg.Notify.ConsumerName,
		}, logger)
	case config.NotifyMQTT:
		var err error
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
		b.Feed = notify.NewMQTTFeed(mqttClient, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, logger)
	default:
		b.Feed = notify.NewMemoryFeed(logger)
	}

	s := NewSiteServiceWith(cfg, b, m, logger)
	s.db = db
	s.redisClient = redisClient
	s.mqttClient = mqttClient

	logger.Info("Site service initialised",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("notify_backend", cfg.Notify.Backend),
		zap.Bool("coverage_cache", b.KV != nil),
		zap.Strings("required_roles", s.analyzer.Required()),
	)
	return s, nil
}

// NewSiteServiceWith 使用给定后端组装服务
func NewSiteServiceWith(cfg *config.Config, b Backends, m *metrics.Metrics, logger *zap.Logger) *SiteService {
	if b.Feed == nil {
		b.Feed = notify.NewMemoryFeed(logger)
	}
	backing := store.NewNotifyingStore(b.Store, b.Feed, logger)

	sites := repository.NewSitePersonnelRepository(backing, logger)
	cra := repository.NewCRARepository(backing, logger)
	hist := repository.NewHistoryRepository(backing, logger)

	s := &SiteService{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		feed:       b.Feed,
		sites:      sites,
		cra:        cra,
		importer:   importer.NewImporter(sites, cra, importer.Config{BatchSize: cfg.Import.BatchSize, BatchDelay: cfg.Import.BatchDelay}, m, logger),
		aggregator: aggregator.NewAggregator(sites, logger),
		analyzer:   coverage.NewAnalyzer(cfg.RequiredRoles),
		recorder:   history.NewRecorder(hist, sites, m, logger),
	}
	if b.KV != nil {
		s.cache = coverage.NewSummaryCache(b.KV, cfg.Coverage.CacheTTL, logger)
	}
	s.engine = status.NewEngine(s.aggregator, s.analyzer, sites, s.recorder,
		status.Config{WriteTimeout: cfg.Status.WriteTimeout}, m, logger)

	var inv CacheInvalidator
	if s.cache != nil {
		inv = s.cache
	}
	s.watcher = NewWatcher(b.Feed, s.engine, inv, DefaultRefreshDebounce, m, logger)
	return s
}

// Start 启动变更订阅
func (s *SiteService) Start(ctx context.Context) error {
	return s.watcher.Start(ctx)
}

// Close 停止订阅并关闭连接
func (s *SiteService) Close() {
	s.watcher.Stop()
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}

// Import 解析、校验并分批导入
func (s *SiteService) Import(ctx context.Context, projectID, actorID string, kind domain.ImportKind, filename string, r io.Reader) (*importer.ImportResult, error) {
	res, err := s.importer.Run(ctx, kind, projectID, actorID, filename, r)
	if res != nil && kind == domain.KindSiteData && s.cache != nil {
		if ierr := s.cache.Invalidate(ctx, projectID); ierr != nil {
			s.logger.Warn("Failed to invalidate coverage cache", zap.String("project_id", projectID), zap.Error(ierr))
		}
	}
	return res, err
}

// Session 打开（或复用）调用方会话
func (s *SiteService) Session(ctx context.Context, sessionID, projectID, actorID string) (*status.Session, error) {
	return s.engine.Open(ctx, sessionID, projectID, actorID)
}

// Sites 调用方视角的全部引用（含覆盖层）
func (s *SiteService) Sites(ctx context.Context, sessionID, projectID, actorID string) ([]coverage.SiteReference, error) {
	sess, err := s.Session(ctx, sessionID, projectID, actorID)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

// Reference 单个引用（含覆盖层）
func (s *SiteService) Reference(ctx context.Context, sessionID, projectID, actorID, referenceNumber string) (coverage.SiteReference, error) {
	sess, err := s.Session(ctx, sessionID, projectID, actorID)
	if err != nil {
		return coverage.SiteReference{}, err
	}
	ref, ok := sess.Lookup(referenceNumber)
	if !ok {
		return coverage.SiteReference{}, fmt.Errorf("site reference %s: %w", referenceNumber, domain.ErrNotFound)
	}
	return ref, nil
}

// Toggle 切换标志并等待确认
func (s *SiteService) Toggle(ctx context.Context, sessionID, projectID, actorID, referenceNumber string, field domain.StatusField, value bool) (status.Result, error) {
	sess, err := s.Session(ctx, sessionID, projectID, actorID)
	if err != nil {
		return status.Result{}, err
	}
	return sess.Toggle(ctx, referenceNumber, field, value)
}

// ToggleAsync 切换标志，不等待确认
func (s *SiteService) ToggleAsync(ctx context.Context, sessionID, projectID, actorID, referenceNumber string, field domain.StatusField, value bool) (*status.PendingToggle, error) {
	sess, err := s.Session(ctx, sessionID, projectID, actorID)
	if err != nil {
		return nil, err
	}
	return sess.ToggleAsync(ctx, referenceNumber, field, value)
}

// References 直接从存储计算（不含任何覆盖层）
func (s *SiteService) References(ctx context.Context, projectID string) ([]coverage.SiteReference, error) {
	groups, err := s.aggregator.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return s.analyzer.References(projectID, groups), nil
}

// Coverage 项目汇总；启用缓存时优先读缓存
func (s *SiteService) Coverage(ctx context.Context, projectID string) (*coverage.Summary, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, projectID)
		if err == nil {
			s.metrics.CoverageCache(true)
			return cached, nil
		}
		if !errors.Is(err, coverage.ErrCacheMiss) {
			s.logger.Warn("Coverage cache unavailable", zap.String("project_id", projectID), zap.Error(err))
		}
		s.metrics.CoverageCache(false)
	}

	refs, err := s.References(ctx, projectID)
	if err != nil {
		return nil, err
	}
	summary := s.analyzer.Summarize(projectID, refs, time.Now())
	if s.cache != nil {
		if err := s.cache.Put(ctx, &summary); err != nil {
			s.logger.Warn("Failed to cache coverage summary", zap.String("project_id", projectID), zap.Error(err))
		}
	}
	return &summary, nil
}

// CoverageWorkbook 覆盖情况 xlsx
func (s *SiteService) CoverageWorkbook(ctx context.Context, projectID string) ([]byte, error) {
	refs, err := s.References(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return report.CoverageWorkbook(s.analyzer.Summarize(projectID, refs, time.Now()), refs)
}

// History 审计记录，最新在前
func (s *SiteService) History(ctx context.Context, q history.Query) ([]domain.StatusHistoryRecord, error) {
	return s.recorder.Query(ctx, q)
}

// CRA 项目 CRA 名单
func (s *SiteService) CRA(ctx context.Context, projectID string) ([]domain.CRARecord, error) {
	return s.cra.ListByProject(ctx, projectID)
}

// RequiredRoles 当前部署的必需角色
func (s *SiteService) RequiredRoles() []string {
	return s.analyzer.Required()
}
