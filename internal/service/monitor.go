package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/database"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/model"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// MonitorService 巡检编排服务：加载设备、切批、并行派发、回写结果
type MonitorService struct {
	config  *config.Config
	worker  *BatchWorker
	archive ArchiveWriter

	mutex   sync.RWMutex
	running bool
	// cycleActive 同一时刻只允许一个巡检周期在途
	cycleActive bool
	cancelCycle context.CancelFunc
	// manualInFlight 手动检查在途的设备ID，保证同一设备同一时刻只有一个探测
	manualInFlight map[uint]bool
	stopCh         chan struct{}
	lastCycle      *CycleSummary
}

// ErrCheckBusy 设备检查与在途的巡检周期或另一次手动检查冲突
var ErrCheckBusy = errors.New("device check conflicts with an in-flight check")

// CycleSummary 一个巡检周期的汇总
type CycleSummary struct {
	CycleID    string    `json:"cycle_id"`
	CheckType  string    `json:"check_type"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Total      int       `json:"total"`
	Online     int       `json:"online"`
	Offline    int       `json:"offline"`
	APIError   int       `json:"api_error"`
	Timeout    int       `json:"timeout"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
}

// NewMonitorService 创建巡检服务
func NewMonitorService(cfg *config.Config) *MonitorService {
	return &MonitorService{
		config:         cfg,
		worker:         NewBatchWorker(cfg),
		archive:        NewArchiveWriter(cfg),
		manualInFlight: make(map[uint]bool),
		stopCh:         make(chan struct{}),
	}
}

// Start 启动巡检服务，连续模式下自动进入周期循环
func (s *MonitorService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("monitor service is already running")
	}
	s.running = true
	// Stop会关闭stopCh，重启时必须换新通道
	s.stopCh = make(chan struct{})
	logger.Info("Monitor service started",
		"batch_size", s.config.Monitor.BatchSize,
		"workers", s.config.Monitor.Workers,
		"concurrent", s.config.Monitor.Concurrent)

	if s.config.Monitor.Continuous {
		go s.continuousLoop(ctx, s.stopCh)
	}
	return nil
}

// Stop 停止巡检服务，取消在途周期
func (s *MonitorService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stopCh)
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
	logger.Info("Monitor service stopped")
	return nil
}

// continuousLoop 连续巡检：上一个周期结束后等待间隔再起下一个，
// 周期本身慢于间隔时不会堆积。stopCh由本次Start注入，重启后互不影响
func (s *MonitorService) continuousLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		if _, err := s.RunCycle(ctx, s.config.Monitor.CheckType); err != nil {
			logger.Error("Monitoring cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-time.After(s.config.Monitor.Interval):
		}
	}
}

// TriggerCycle 异步触发一个周期，已有周期在途时报错
func (s *MonitorService) TriggerCycle(checkType string) (string, error) {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return "", fmt.Errorf("monitor service is not running")
	}
	if s.cycleActive {
		s.mutex.Unlock()
		return "", fmt.Errorf("a monitoring cycle is already in progress")
	}
	s.mutex.Unlock()

	cycleID := uuid.NewString()
	go func() {
		if _, err := s.runCycleWithID(context.Background(), cycleID, checkType); err != nil {
			logger.Error("Triggered cycle failed", "cycle_id", cycleID, "error", err)
		}
	}()
	return cycleID, nil
}

// RunCycle 同步执行一个巡检周期
func (s *MonitorService) RunCycle(ctx context.Context, checkType string) (*CycleSummary, error) {
	return s.runCycleWithID(ctx, uuid.NewString(), checkType)
}

func (s *MonitorService) runCycleWithID(ctx context.Context, cycleID, checkType string) (*CycleSummary, error) {
	if checkType != model.CheckTypePingOnly {
		checkType = model.CheckTypeFullCheck
	}

	s.mutex.Lock()
	if s.cycleActive {
		s.mutex.Unlock()
		return nil, fmt.Errorf("a monitoring cycle is already in progress")
	}
	s.cycleActive = true
	cycleCtx, cancel := context.WithCancel(ctx)
	s.cancelCycle = cancel
	s.mutex.Unlock()

	defer func() {
		cancel()
		s.mutex.Lock()
		s.cycleActive = false
		s.cancelCycle = nil
		s.mutex.Unlock()
	}()

	started := time.Now()
	log := logger.WithField("cycle_id", cycleID)

	devices, err := s.loadDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	log.Infof("cycle started: %d devices, check_type=%s", len(devices), checkType)

	summary := &CycleSummary{
		CycleID:   cycleID,
		CheckType: checkType,
		StartedAt: started,
		Total:     len(devices),
	}

	if len(devices) > 0 {
		// 设备加载时的连续失败计数快照，回写时据此累加
		prevFailures := make(map[uint]int, len(devices))
		for _, d := range devices {
			prevFailures[d.ID] = d.ConsecutiveFailures
		}

		out := make(chan Outcome, s.config.Monitor.BatchSize)

		// 消费端：结果就绪即落库，不等整个周期
		done := make(chan struct{})
		go func() {
			defer close(done)
			for outcome := range out {
				s.tally(summary, outcome.Status)
				if err := s.persistOutcome(cycleID, prevFailures[outcome.DvrID], outcome); err != nil {
					log.Errorf("failed to persist outcome for dvr %d: %v", outcome.DvrID, err)
				}
			}
		}()

		// 生产端：按批切分，限定并行批次数
		g, gctx := errgroup.WithContext(cycleCtx)
		g.SetLimit(s.config.Monitor.Workers)
		for _, batch := range partition(devices, s.config.Monitor.BatchSize) {
			batch := batch
			g.Go(func() error {
				runBatch(gctx, s.worker.Run, batch, checkType, out)
				return nil
			})
		}
		_ = g.Wait()
		close(out)
		<-done
	}

	summary.FinishedAt = time.Now()
	summary.DurationMS = summary.FinishedAt.Sub(started).Milliseconds()

	if s.config.Archive.Enabled {
		s.archiveCycle(cycleCtx, summary)
	}

	s.mutex.Lock()
	s.lastCycle = summary
	s.mutex.Unlock()

	log.Infof("cycle finished in %dms: online=%d offline=%d api_error=%d timeout=%d",
		summary.DurationMS, summary.Online, summary.Offline, summary.APIError, summary.Timeout)
	return summary, nil
}

// CheckDvr 对单台设备立即执行一次全量检查并回写，返回刷新后的设备记录。
// 巡检周期在途或同一设备已有手动检查时拒绝，保证单设备探测不重入
func (s *MonitorService) CheckDvr(ctx context.Context, dvrID uint) (*model.Dvr, error) {
	s.mutex.Lock()
	if s.cycleActive {
		s.mutex.Unlock()
		return nil, fmt.Errorf("%w: a monitoring cycle is in progress", ErrCheckBusy)
	}
	if s.manualInFlight[dvrID] {
		s.mutex.Unlock()
		return nil, fmt.Errorf("%w: dvr %d", ErrCheckBusy, dvrID)
	}
	s.manualInFlight[dvrID] = true
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		delete(s.manualInFlight, dvrID)
		s.mutex.Unlock()
	}()

	var dvr model.Dvr
	if err := database.GetDB().First(&dvr, dvrID).Error; err != nil {
		return nil, err
	}

	outcome := s.worker.checkOne(ctx, dvr, model.CheckTypeFullCheck)
	cycleID := "manual-" + uuid.NewString()
	if err := s.persistOutcome(cycleID, dvr.ConsecutiveFailures, outcome); err != nil {
		return nil, fmt.Errorf("failed to persist outcome: %w", err)
	}

	var refreshed model.Dvr
	if err := database.GetDB().First(&refreshed, dvrID).Error; err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// loadDevices 加载启用的设备
func (s *MonitorService) loadDevices() ([]model.Dvr, error) {
	var devices []model.Dvr
	err := database.GetDB().Where("enabled = ?", true).Order("id").Find(&devices).Error
	return devices, err
}

// persistOutcome 回写设备状态并追加巡检日志
func (s *MonitorService) persistOutcome(cycleID string, prevFailures int, o Outcome) error {
	now := o.CheckedAt

	updates := map[string]interface{}{
		"status":               o.Status,
		"api_accessible":       o.APIAccessible,
		"last_ping_at":         now,
		"consecutive_failures": NextConsecutiveFailures(prevFailures, o.Status),
	}
	if o.ResponseTimeMs != nil {
		updates["ping_response_time"] = *o.ResponseTimeMs
	}
	// 协议字段仅在本次采到时覆盖，保留上一次的有效值
	if o.DeviceTime != nil {
		updates["dvr_device_time"] = *o.DeviceTime
	}
	if o.OffsetMinutes != nil {
		updates["device_time_offset_minutes"] = *o.OffsetMinutes
	}
	if o.CameraCount != nil {
		updates["current_camera_count"] = *o.CameraCount
	}
	if o.WorkingCameraCount != nil {
		updates["working_camera_count"] = *o.WorkingCameraCount
	}
	if o.StorageCapacityGB != nil {
		updates["storage_capacity_gb"] = *o.StorageCapacityGB
	}
	if o.StorageUsagePercent != nil {
		updates["storage_usage_percentage"] = *o.StorageUsagePercent
	}
	if o.RecordingStatus != nil {
		updates["recording_status"] = *o.RecordingStatus
	}

	logEntry := &model.DvrMonitoringLog{
		DvrID:                   o.DvrID,
		CycleID:                 cycleID,
		CheckType:               o.CheckType,
		Status:                  o.Status,
		ResponseTimeMs:          o.ResponseTimeMs,
		APIAccessible:           o.APIAccessible,
		DeviceTime:              o.DeviceTime,
		DeviceTimeOffsetMinutes: o.OffsetMinutes,
		CameraCount:             o.CameraCount,
		WorkingCameraCount:      o.WorkingCameraCount,
		StorageCapacityGB:       o.StorageCapacityGB,
		StorageUsagePercentage:  o.StorageUsagePercent,
		RecordingStatus:         o.RecordingStatus,
		ErrorMsg:                o.ErrorMsg,
		CamerasJSON:             o.CamerasJSON(),
		CheckedAt:               now,
	}

	return database.WithRetry(func(db *gorm.DB) error {
		if err := db.Model(&model.Dvr{}).Where("id = ?", o.DvrID).Updates(updates).Error; err != nil {
			return err
		}
		return db.Create(logEntry).Error
	}, 3, 50*time.Millisecond)
}

// archiveCycle 归档周期报告，失败只告警不影响周期结果
func (s *MonitorService) archiveCycle(ctx context.Context, summary *CycleSummary) {
	content, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logger.Error("Failed to marshal cycle summary", "cycle_id", summary.CycleID, "error", err)
		return
	}
	obj, err := s.archive.Write(ctx, ArchiveMeta{
		CycleID:      summary.CycleID,
		DateYYYYMMDD: summary.StartedAt.Format("20060102"),
		TimeHHMMSS:   summary.StartedAt.Format("150405"),
		Filename:     "summary.json",
		Backend:      s.config.Archive.StorageBackend,
	}, content, "application/json; charset=utf-8")
	if err != nil {
		logger.Warn("Cycle archive degraded", "cycle_id", summary.CycleID, "error", err)
	}
	if obj.URI != "" {
		summary.ArchiveURI = obj.URI
	}
}

func (s *MonitorService) tally(summary *CycleSummary, status string) {
	switch status {
	case model.DvrStatusOnline:
		summary.Online++
	case model.DvrStatusOffline:
		summary.Offline++
	case model.DvrStatusAPIError:
		summary.APIError++
	case model.DvrStatusTimeout:
		summary.Timeout++
	}
}

// LastCycle 最近一次完成的周期汇总
func (s *MonitorService) LastCycle() *CycleSummary {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastCycle
}

// GetStats 服务运行统计
func (s *MonitorService) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := map[string]interface{}{
		"running":      s.running,
		"cycle_active": s.cycleActive,
		"continuous":   s.config.Monitor.Continuous,
		"batch_size":   s.config.Monitor.BatchSize,
		"workers":      s.config.Monitor.Workers,
		"concurrent":   s.config.Monitor.Concurrent,
	}
	if s.lastCycle != nil {
		stats["last_cycle"] = s.lastCycle
	}
	return stats
}

// runBatch 执行一个批次并对账：批次崩溃或漏报的设备按超时补记，
// 保证整批设备一台不少地产出结果
func runBatch(ctx context.Context, run func(context.Context, []model.Dvr, string, chan<- Outcome), batch []model.Dvr, checkType string, out chan<- Outcome) {
	seen := make(map[uint]bool, len(batch))
	batchOut := make(chan Outcome, len(batch))

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for o := range batchOut {
			seen[o.DvrID] = true
			out <- o
		}
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Batch worker crashed", "devices", len(batch), "panic", fmt.Sprint(r))
			}
		}()
		run(ctx, batch, checkType, batchOut)
	}()
	close(batchOut)
	<-forwarded

	for _, dvr := range batch {
		if seen[dvr.ID] {
			continue
		}
		out <- Outcome{
			DvrID:     dvr.ID,
			CheckType: checkType,
			Status:    model.DvrStatusTimeout,
			ErrorMsg:  "batch worker did not report a result",
			CheckedAt: time.Now(),
		}
	}
}

// partition 将设备列表切为定长批次，最后一批可能不满
func partition(devices []model.Dvr, size int) [][]model.Dvr {
	if size <= 0 {
		size = len(devices)
	}
	var batches [][]model.Dvr
	for start := 0; start < len(devices); start += size {
		end := start + size
		if end > len(devices) {
			end = len(devices)
		}
		batches = append(batches, devices[start:end])
	}
	return batches
}
