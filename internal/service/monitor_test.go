package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dvrmonitorpro/dvrmonitorpro/addone/dvrapi"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/database"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/model"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHikvisionDvrServer 模拟一台海康设备，两个通道均正常
func newHikvisionDvrServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ISAPI/System/deviceInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><DeviceInfo><deviceName>DVR</deviceName></DeviceInfo>`))
	})
	mux.HandleFunc("/ISAPI/System/time", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><Time><localTime>2025-08-26T22:30:09+05:30</localTime><recordingFrom>2025-08-01T00:00:00+05:30</recordingFrom></Time>`))
	})
	mux.HandleFunc("/ISAPI/System/Video/inputs/channels", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><VideoInputChannelList>` +
			`<VideoInputChannel><id>1</id><name>Camera 01</name><resDesc>960*576</resDesc></VideoInputChannel>` +
			`<VideoInputChannel><id>2</id><name>Camera 02</name><resDesc>960*576</resDesc></VideoInputChannel>` +
			`</VideoInputChannelList>`))
	})
	mux.HandleFunc("/ISAPI/ContentMgmt/Storage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><storage><hddList><hdd><status>ok</status><capacity>1048576</capacity><freeSpace>524288</freeSpace></hdd></hddList></storage>`))
	})
	return httptest.NewServer(mux)
}

// setupMonitorTest 初始化临时数据库与巡检服务配置
func setupMonitorTest(t *testing.T) *config.Config {
	t.Helper()

	cfg := workerTestConfig()
	cfg.Monitor.Interval = time.Minute
	cfg.Database.SQLite = config.SQLiteConfig{
		Path:            filepath.Join(t.TempDir(), "monitor_test.db"),
		ConnMaxLifetime: time.Hour,
	}
	cfg.Archive = config.ArchiveConfig{
		Enabled:        true,
		StorageBackend: "local",
		Prefix:         "cycles",
		Local: config.LocalStoreConfig{
			BaseDir:        t.TempDir(),
			MkdirIfMissing: true,
		},
	}

	require.NoError(t, database.InitSQLite(cfg.Database.SQLite))
	t.Cleanup(func() { _ = database.Close() })

	dvrapi.RegisterBuiltins(httpclient.Config{Timeout: cfg.Probe.Timeout})
	return cfg
}

// TestMonitorRunCycle 端到端：加载设备、并发检查、回写状态与巡检日志、归档
func TestMonitorRunCycle(t *testing.T) {
	srv := newCPPlusDvrServer()
	defer srv.Close()
	hikSrv := newHikvisionDvrServer()
	defer hikSrv.Close()

	cfg := setupMonitorTest(t)

	online := serverDvr(t, srv, 0, "CP-Plus")
	online.ConsecutiveFailures = 2
	hik := serverDvr(t, hikSrv, 0, "Hikvision")
	dead := closedPortDvr(t, 0)
	dead.Vendor = "unknown-brand"
	dead.ConsecutiveFailures = 1
	disabled := serverDvr(t, srv, 0, "cpplus")
	disabled.Enabled = false

	db := database.GetDB()
	require.NoError(t, db.Create(&online).Error)
	require.NoError(t, db.Create(&hik).Error)
	require.NoError(t, db.Create(&dead).Error)
	require.NoError(t, db.Create(&disabled).Error)

	svc := NewMonitorService(cfg)
	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop() }()

	summary, err := svc.RunCycle(context.Background(), model.CheckTypeFullCheck)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total, "禁用设备不参与巡检")
	assert.Equal(t, 2, summary.Online)
	assert.Equal(t, 1, summary.Offline)
	assert.NotEmpty(t, summary.CycleID)
	assert.True(t, strings.HasPrefix(summary.ArchiveURI, "file://"), "本地归档应返回file://地址")

	// 在线设备回写：状态、协议详情、连续失败清零
	var got model.Dvr
	require.NoError(t, db.First(&got, online.ID).Error)
	assert.Equal(t, model.DvrStatusOnline, got.Status)
	assert.True(t, got.APIAccessible)
	assert.Equal(t, 0, got.ConsecutiveFailures, "在线应清零连续失败计数")
	require.NotNil(t, got.CurrentCameraCount)
	assert.Equal(t, 4, *got.CurrentCameraCount)
	require.NotNil(t, got.WorkingCameraCount)
	assert.Equal(t, 3, *got.WorkingCameraCount)
	require.NotNil(t, got.StorageCapacityGB)
	assert.Equal(t, 1024.0, *got.StorageCapacityGB)
	require.NotNil(t, got.RecordingStatus)
	assert.Equal(t, model.RecordingStatusRecording, *got.RecordingStatus)
	require.NotNil(t, got.DvrDeviceTime)
	assert.Equal(t, "2025-08-26 22:30:09", *got.DvrDeviceTime)
	assert.NotNil(t, got.LastPingAt)

	// 海康设备：两个通道均正常
	var gotHik model.Dvr
	require.NoError(t, db.First(&gotHik, hik.ID).Error)
	assert.Equal(t, model.DvrStatusOnline, gotHik.Status)
	require.NotNil(t, gotHik.CurrentCameraCount)
	assert.Equal(t, 2, *gotHik.CurrentCameraCount)
	require.NotNil(t, gotHik.WorkingCameraCount)
	assert.Equal(t, 2, *gotHik.WorkingCameraCount)

	// 未知厂商且无响应的设备：离线，连续失败累加，协议字段保持为空
	var gotDead model.Dvr
	require.NoError(t, db.First(&gotDead, dead.ID).Error)
	assert.Equal(t, model.DvrStatusOffline, gotDead.Status)
	assert.Equal(t, 2, gotDead.ConsecutiveFailures, "离线应在原计数上累加")
	assert.Nil(t, gotDead.CurrentCameraCount)
	assert.Nil(t, gotDead.StorageCapacityGB)
	assert.Nil(t, gotDead.RecordingStatus)

	// 巡检日志：每台参检设备一条
	var logs []model.DvrMonitoringLog
	require.NoError(t, db.Where("cycle_id = ?", summary.CycleID).Find(&logs).Error)
	assert.Len(t, logs, 3)
	for _, entry := range logs {
		assert.Equal(t, model.CheckTypeFullCheck, entry.CheckType)
		assert.False(t, entry.CheckedAt.IsZero())
	}
}

// TestMonitorCheckDvr 单设备即时检查应回写并返回刷新后的记录
func TestMonitorCheckDvr(t *testing.T) {
	srv := newCPPlusDvrServer()
	defer srv.Close()

	cfg := setupMonitorTest(t)

	dvr := serverDvr(t, srv, 0, "cpplus")
	require.NoError(t, database.GetDB().Create(&dvr).Error)

	svc := NewMonitorService(cfg)
	got, err := svc.CheckDvr(context.Background(), dvr.ID)
	require.NoError(t, err)

	assert.Equal(t, model.DvrStatusOnline, got.Status)
	assert.True(t, got.APIAccessible)
	require.NotNil(t, got.CurrentCameraCount)
	assert.Equal(t, 4, *got.CurrentCameraCount)

	// 留下一条手工周期的巡检日志
	var count int64
	require.NoError(t, database.GetDB().Model(&model.DvrMonitoringLog{}).
		Where("dvr_id = ? AND cycle_id LIKE ?", dvr.ID, "manual-%").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// TestMonitorCycleConflict 同一时刻只允许一个周期在途
func TestMonitorCycleConflict(t *testing.T) {
	cfg := workerTestConfig()
	svc := NewMonitorService(cfg)

	svc.mutex.Lock()
	svc.cycleActive = true
	svc.mutex.Unlock()

	_, err := svc.RunCycle(context.Background(), model.CheckTypeFullCheck)
	assert.Error(t, err, "在途周期未结束时应拒绝新周期")
	assert.Contains(t, err.Error(), "already in progress")
}

// TestMonitorCheckDvrBusy 巡检周期在途或同设备手动检查在途时应拒绝手动检查
func TestMonitorCheckDvrBusy(t *testing.T) {
	cfg := workerTestConfig()
	svc := NewMonitorService(cfg)

	svc.mutex.Lock()
	svc.cycleActive = true
	svc.mutex.Unlock()

	_, err := svc.CheckDvr(context.Background(), 1)
	require.Error(t, err, "周期在途时同一设备不允许并发探测")
	assert.ErrorIs(t, err, ErrCheckBusy)

	svc.mutex.Lock()
	svc.cycleActive = false
	svc.manualInFlight[1] = true
	svc.mutex.Unlock()

	_, err = svc.CheckDvr(context.Background(), 1)
	require.Error(t, err, "同一设备的手动检查不允许重入")
	assert.ErrorIs(t, err, ErrCheckBusy)
}

// TestMonitorRestart Stop后再Start应可恢复连续巡检，重复Stop不应panic
func TestMonitorRestart(t *testing.T) {
	cfg := workerTestConfig()
	svc := NewMonitorService(cfg)

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Start(context.Background()))
	assert.NotPanics(t, func() {
		require.NoError(t, svc.Stop())
	}, "重启后Stop不应重复关闭通道")
}

// TestRunBatchReconciliation 批次崩溃时漏报的设备应按超时补记
func TestRunBatchReconciliation(t *testing.T) {
	batch := make([]model.Dvr, 4)
	for i := range batch {
		batch[i].ID = uint(i + 1)
	}

	// 只报第一台就崩溃的批次
	crashing := func(ctx context.Context, devices []model.Dvr, checkType string, out chan<- Outcome) {
		out <- Outcome{DvrID: devices[0].ID, CheckType: checkType, Status: model.DvrStatusOnline}
		panic("worker crashed")
	}

	out := make(chan Outcome, len(batch))
	runBatch(context.Background(), crashing, batch, model.CheckTypePingOnly, out)
	close(out)

	byID := make(map[uint]Outcome, len(batch))
	for o := range out {
		byID[o.DvrID] = o
	}
	require.Len(t, byID, 4, "整批设备一台不少地产出结果")
	assert.Equal(t, model.DvrStatusOnline, byID[1].Status)
	for id := uint(2); id <= 4; id++ {
		assert.Equal(t, model.DvrStatusTimeout, byID[id].Status, "漏报设备应按超时落账")
		assert.NotEmpty(t, byID[id].ErrorMsg)
	}
}

// TestMonitorTriggerRequiresRunning 服务未启动时不允许触发周期
func TestMonitorTriggerRequiresRunning(t *testing.T) {
	cfg := workerTestConfig()
	svc := NewMonitorService(cfg)

	_, err := svc.TriggerCycle(model.CheckTypeFullCheck)
	assert.Error(t, err)
}

// TestPartition 测试设备分批
func TestPartition(t *testing.T) {
	devices := make([]model.Dvr, 7)
	for i := range devices {
		devices[i].ID = uint(i + 1)
	}

	batches := partition(devices, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.Len(t, batches[2], 1, "最后一批可以不满")

	assert.Len(t, partition(devices, 0), 1, "批大小无效时退化为单批")
	assert.Empty(t, partition(nil, 3))
}

// TestLocalArchiveWriter 测试本地归档的目录层级与校验和
func TestLocalArchiveWriter(t *testing.T) {
	cfg := &config.Config{
		Archive: config.ArchiveConfig{
			Prefix: "cycles",
			Local: config.LocalStoreConfig{
				BaseDir:        t.TempDir(),
				MkdirIfMissing: true,
			},
		},
	}
	w := &LocalArchiveWriter{cfg: cfg}

	obj, err := w.Write(context.Background(), ArchiveMeta{
		CycleID:      "abc-123",
		DateYYYYMMDD: "20250826",
		TimeHHMMSS:   "223009",
		Filename:     "summary.json",
		Backend:      "local",
	}, []byte(`{"total":2}`), "application/json; charset=utf-8")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(obj.URI, "file://"))
	assert.Contains(t, obj.URI, "cycles")
	assert.Contains(t, obj.URI, "20250826_223009")
	assert.Contains(t, obj.URI, "abc-123")
	assert.Equal(t, int64(11), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Checksum, "sha256:"))
}
