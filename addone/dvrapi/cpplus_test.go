package dvrapi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice 从httptest服务地址构造设备连接参数
func testDevice(t *testing.T, srv *httptest.Server) Device {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Device{
		ID:       1,
		Name:     "test-dvr",
		IP:       host,
		Port:     port,
		Username: "admin",
		Password: "admin123",
	}
}

// newCGIServer 模拟CP-Plus/大华的CGI接口
func newCGIServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/global.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("result=2025-08-26 22:30:09\r\n"))
	})
	mux.HandleFunc("/cgi-bin/magicBox.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("table.MaxRemoteInputChannels=4\r\n"))
	})
	mux.HandleFunc("/cgi-bin/configManager.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("table.ChannelTitle[0].Name=Front Gate\r\n" +
			"table.ChannelTitle[1].Name=Lobby\r\n" +
			"table.ChannelTitle[2].Name=Parking\r\n" +
			"table.ChannelTitle[3].Name=Backyard\r\n"))
	})
	mux.HandleFunc("/cgi-bin/eventManager.cgi", func(w http.ResponseWriter, r *http.Request) {
		// 0基下标2 => 通道3视频丢失
		_, _ = w.Write([]byte("channels=2\r\n"))
	})
	mux.HandleFunc("/cgi-bin/storageDevice.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("list.info[0].State=OK\r\n" +
			"list.info[0].Detail[0].TotalBytes=1099511627776\r\n" +
			"list.info[0].Detail[0].UsedBytes=274877906944\r\n"))
	})
	mux.HandleFunc("/cgi-bin/mediaFileFind.cgi", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "factory.create" {
			_, _ = w.Write([]byte("result=12345\r\n"))
			return
		}
		_, _ = w.Write([]byte("OK\r\n"))
	})
	return httptest.NewServer(mux)
}

// TestCPPlusLogin 测试登录探测
func TestCPPlusLogin(t *testing.T) {
	srv := newCGIServer()
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	session, err := client.Login(context.Background(), testDevice(t, srv))
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token, "会话应携带凭证标识")
}

// TestCPPlusLoginAuthFailed 测试凭据错误
func TestCPPlusLoginAuthFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	_, err := client.Login(context.Background(), testDevice(t, srv))
	assert.ErrorIs(t, err, ErrAuthFailed, "401应映射为认证失败")
}

// TestCPPlusDeviceTime 测试设备时间获取
func TestCPPlusDeviceTime(t *testing.T) {
	srv := newCGIServer()
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	session, err := client.Login(context.Background(), testDevice(t, srv))
	require.NoError(t, err)

	raw, err := client.DeviceTime(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "2025-08-26 22:30:09", raw, "设备时间应返回原始值")
}

// TestCPPlusCameras 测试通道枚举：预置全部通道，VideoLoss标记故障
func TestCPPlusCameras(t *testing.T) {
	srv := newCGIServer()
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	session, err := client.Login(context.Background(), testDevice(t, srv))
	require.NoError(t, err)

	report, err := client.Cameras(context.Background(), session)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Total, "应按最大通道数预置4个通道")
	assert.Equal(t, 3, report.Working, "视频丢失通道不计入正常")
	assert.Equal(t, 4, report.MaxChannels)

	require.Len(t, report.Cameras, 4)
	assert.Equal(t, "Front Gate", report.Cameras[0].Name)
	assert.True(t, report.Cameras[0].Working)
	assert.Equal(t, 3, report.Cameras[2].Channel)
	assert.False(t, report.Cameras[2].Working, "下标2对应通道3应为视频丢失")
	assert.Equal(t, "video loss", report.Cameras[2].Error, "故障通道应记录明细")
}

// TestCPPlusStorage 测试存储信息换算
func TestCPPlusStorage(t *testing.T) {
	srv := newCGIServer()
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	session, err := client.Login(context.Background(), testDevice(t, srv))
	require.NoError(t, err)

	st, err := client.Storage(context.Background(), session)
	require.NoError(t, err)

	assert.True(t, st.Working, "State=OK应判定为正常")
	assert.Equal(t, 1024.0, st.CapacityGB)
	assert.Equal(t, 256.0, st.UsedGB)
	assert.Equal(t, 768.0, st.FreeGB)
	assert.Equal(t, 25.0, st.UsagePercent)
}

// TestCPPlusRecording 测试录像状态判定
func TestCPPlusRecording(t *testing.T) {
	srv := newCGIServer()
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	session, err := client.Login(context.Background(), testDevice(t, srv))
	require.NoError(t, err)

	recording, err := client.Recording(context.Background(), session)
	require.NoError(t, err)
	assert.True(t, recording, "查找器创建成功应判定为在录像")
}

// TestCPPlusRecordingStopped 测试未录像判定
func TestCPPlusRecordingStopped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/global.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("result=2025-08-26 22:30:09\r\n"))
	})
	mux.HandleFunc("/cgi-bin/mediaFileFind.cgi", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Error\r\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewCPPlusClient(httpclient.Config{})
	session, err := client.Login(context.Background(), testDevice(t, srv))
	require.NoError(t, err)

	recording, err := client.Recording(context.Background(), session)
	require.NoError(t, err)
	assert.False(t, recording, "创建查找器失败应判定为未录像")
}

// TestParseKeyValues 测试CGI行式响应解析
func TestParseKeyValues(t *testing.T) {
	body := []byte("result=2025-08-26 22:30:09\r\n" +
		"OK\r\n" +
		"table.ChannelTitle[0].Name = Front Gate \r\n" +
		"\r\n")
	kv := parseKeyValues(body)

	assert.Equal(t, "2025-08-26 22:30:09", kv["result"])
	assert.Equal(t, "Front Gate", kv["table.ChannelTitle[0].Name"], "键值两侧空白应被去除")
	_, ok := kv["OK"]
	assert.False(t, ok, "无等号的行应被忽略")
}

// TestCPPlusSnapshotURL 测试快照地址拼接
func TestCPPlusSnapshotURL(t *testing.T) {
	client := NewCPPlusClient(httpclient.Config{})
	dev := Device{IP: "192.168.1.108", Port: 80}
	assert.Equal(t, "http://192.168.1.108:80/cgi-bin/snapshot.cgi?channel=3&type=0",
		client.SnapshotURL(dev, 3))
}
