package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dvrmonitorpro/dvrmonitorpro/addone/dvrapi"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/model"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// Outcome 单台设备一次检查的完整结果
type Outcome struct {
	DvrID     uint
	CheckType string
	Status    string

	PingMs         *float64
	ResponseTimeMs *float64
	APIAccessible  bool

	// DeviceTimeRaw 厂商上报的原始时间串，仅用于日志
	DeviceTimeRaw string
	DeviceTime    *string
	OffsetMinutes *int

	CameraCount        *int
	WorkingCameraCount *int
	Cameras            []dvrapi.Camera

	StorageCapacityGB   *float64
	StorageUsagePercent *float64
	RecordingStatus     *string

	ErrorMsg  string
	CheckedAt time.Time
}

// CamerasJSON 通道明细序列化为JSON，写巡检日志用
func (o *Outcome) CamerasJSON() string {
	if len(o.Cameras) == 0 {
		return ""
	}
	b, err := json.Marshal(o.Cameras)
	if err != nil {
		return ""
	}
	return string(b)
}

// BatchWorker 批次工作器：对一批设备并发执行检查，结果流式写出
type BatchWorker struct {
	prober       *Prober
	cameraProber *CameraProber
	normalizer   *DateTimeNormalizer
	engine       *StatusEngine

	probeTimeout time.Duration
	concurrent   int64
}

// NewBatchWorker 创建批次工作器
func NewBatchWorker(cfg *config.Config) *BatchWorker {
	return &BatchWorker{
		prober:       NewProber(cfg.Probe),
		cameraProber: NewCameraProber(cfg.Camera),
		normalizer:   NewDateTimeNormalizer(cfg.Location()),
		engine:       NewStatusEngine(cfg.Monitor.StatusPolicy),
		probeTimeout: cfg.Probe.Timeout,
		concurrent:   int64(cfg.Monitor.Concurrent),
	}
}

// Run 并发检查一批设备，每台设备的结果就绪后立即写入out。
// 调用方负责消费out，本方法返回时该批次所有结果已写出
func (w *BatchWorker) Run(ctx context.Context, batch []model.Dvr, checkType string, out chan<- Outcome) {
	sem := semaphore.NewWeighted(w.concurrent)
	var wg sync.WaitGroup

	for i := range batch {
		dvr := batch[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			// 周期被取消，剩余设备按超时落账
			out <- Outcome{
				DvrID:     dvr.ID,
				CheckType: checkType,
				Status:    model.DvrStatusTimeout,
				ErrorMsg:  "cycle cancelled",
				CheckedAt: time.Now(),
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			out <- w.checkOne(ctx, dvr, checkType)
		}()
	}

	wg.Wait()
}

// checkOne 检查单台设备。panic只影响该设备，按超时落账
func (w *BatchWorker) checkOne(ctx context.Context, dvr model.Dvr, checkType string) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithDevice(dvr.ID, dvr.IP).Errorf("device check panic: %v", r)
			outcome = Outcome{
				DvrID:     dvr.ID,
				CheckType: checkType,
				Status:    model.DvrStatusTimeout,
				ErrorMsg:  fmt.Sprintf("internal error: %v", r),
				CheckedAt: time.Now(),
			}
		}
	}()

	dev := dvrapi.Device{
		ID:       dvr.ID,
		Name:     dvr.Name,
		IP:       dvr.IP,
		Port:     dvr.Port,
		Username: dvr.Username,
		Password: dvr.Password,
	}

	outcome = Outcome{
		DvrID:     dvr.ID,
		CheckType: checkType,
		CheckedAt: time.Now(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, w.probeTimeout)
	pr := w.prober.Probe(probeCtx, dev)
	cancel()

	outcome.PingMs = pr.PingMs
	if pr.HTTPCode > 0 || pr.Err == nil {
		ms := pr.HTTPMs
		outcome.ResponseTimeMs = &ms
	}
	outcome.Status = w.engine.Determine(pr)
	if pr.Err != nil {
		outcome.ErrorMsg = pr.Err.Error()
	}

	if checkType != model.CheckTypeFullCheck || outcome.Status != model.DvrStatusOnline {
		return outcome
	}

	w.fullCheck(ctx, dev, dvr.Vendor, &outcome)
	return outcome
}

// fullCheck 在设备在线的前提下走厂商协议拉取详情。
// 传输层已通但登录失败视为api_error，协议中途超时视为timeout
func (w *BatchWorker) fullCheck(ctx context.Context, dev dvrapi.Device, vendor string, outcome *Outcome) {
	client, err := dvrapi.Resolve(vendor)
	if err != nil {
		outcome.ErrorMsg = err.Error()
		logger.WithDevice(dev.ID, dev.IP).Warnf("unsupported vendor %q, protocol check skipped", vendor)
		return
	}

	log := logger.WithDevice(dev.ID, dev.IP)

	session, err := client.Login(ctx, dev)
	if err != nil {
		if isTimeout(err) {
			outcome.Status = model.DvrStatusTimeout
		} else {
			outcome.Status = model.DvrStatusAPIError
		}
		outcome.ErrorMsg = err.Error()
		log.Warnf("login failed: %v", err)
		return
	}
	defer func() { _ = client.Logout(ctx, session) }()
	outcome.APIAccessible = true

	if raw, err := client.DeviceTime(ctx, session); err != nil {
		log.Debugf("device time unavailable: %v", err)
	} else {
		outcome.DeviceTimeRaw = raw
		outcome.DeviceTime = w.normalizer.Normalize(raw)
		outcome.OffsetMinutes = w.normalizer.OffsetMinutes(raw, time.Now())
		if outcome.DeviceTime == nil {
			log.Warnf("unparseable device time %q", raw)
		}
	}

	report, err := client.Cameras(ctx, session)
	if err != nil {
		log.Debugf("vendor camera listing failed, falling back to snapshot probe: %v", err)
		report = w.cameraProber.Probe(ctx, client, dev, 0)
	}
	if report != nil {
		total, working := report.Total, report.Working
		outcome.CameraCount = &total
		outcome.WorkingCameraCount = &working
		outcome.Cameras = report.Cameras
	}

	if st, err := client.Storage(ctx, session); err != nil {
		log.Debugf("storage status unavailable: %v", err)
	} else {
		outcome.StorageCapacityGB = &st.CapacityGB
		outcome.StorageUsagePercent = &st.UsagePercent
	}

	if recording, err := client.Recording(ctx, session); err != nil {
		log.Debugf("recording status unavailable: %v", err)
	} else {
		rs := model.RecordingStatusNotRecording
		if recording {
			rs = model.RecordingStatusRecording
		}
		outcome.RecordingStatus = &rs
	}
}
