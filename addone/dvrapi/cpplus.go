package dvrapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dvrmonitorpro/dvrmonitorpro/internal/util"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
)

// channelTitleRe 匹配 table.ChannelTitle[0].Name=Camera 1 形式的键
var channelTitleRe = regexp.MustCompile(`table\.ChannelTitle\[(\d+)\]\.Name`)

// maxChannelsRe 匹配 table.MaxRemoteInputChannels=4
var maxChannelsRe = regexp.MustCompile(`table\.MaxRemoteInputChannels=(\d+)`)

// cgiClient CGI协议基础实现，CP-Plus与Dahua共用同一套接口
type cgiClient struct {
	cfg httpclient.Config
}

// CPPlusClient CP-Plus录像机客户端
type CPPlusClient struct {
	cgiClient
}

// NewCPPlusClient 创建CP-Plus客户端
func NewCPPlusClient(cfg httpclient.Config) *CPPlusClient {
	return &CPPlusClient{cgiClient{cfg: cfg}}
}

// Vendor 厂商标识
func (c *CPPlusClient) Vendor() string {
	return VendorCPPlus
}

// Cameras 获取通道状态。CP-Plus先按最大通道数预置所有通道为正常，
// 再用ChannelTitle覆盖名称，最后用VideoLoss事件标记故障通道
func (c *CPPlusClient) Cameras(ctx context.Context, s *Session) (*CameraReport, error) {
	maxChannels := c.maxChannels(ctx, s)

	cameras := make([]Camera, maxChannels)
	for i := range cameras {
		cameras[i] = Camera{
			Channel: i + 1,
			Name:    fmt.Sprintf("Channel %d", i+1),
			Working: true,
		}
	}

	titles, err := c.channelTitles(ctx, s)
	if err != nil {
		return nil, err
	}
	for idx, name := range titles {
		if idx >= 0 && idx < len(cameras) {
			cameras[idx].Name = name
		}
	}

	for _, idx := range c.videoLossChannels(ctx, s) {
		if idx >= 0 && idx < len(cameras) {
			cameras[idx].Working = false
			cameras[idx].Error = "video loss"
		}
	}

	return buildReport(cameras, maxChannels), nil
}

// Login 验证凭据。CGI协议无独立登录接口，用getCurrentTime探测Digest认证
func (c *cgiClient) Login(ctx context.Context, dev Device) (*Session, error) {
	s := &Session{
		Token:  base64.StdEncoding.EncodeToString([]byte(dev.Username + ":" + dev.Password)),
		Device: dev,
		http:   httpclient.NewDigest(c.cfg, dev.Username, dev.Password),
	}
	status, _, err := c.get(ctx, s, "/cgi-bin/global.cgi?action=getCurrentTime")
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrAuthFailed
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from login probe", status)
	}
	return s, nil
}

// DeviceTime 获取设备时间，返回 result=2025-08-26 22:30:09 中的原始值
func (c *cgiClient) DeviceTime(ctx context.Context, s *Session) (string, error) {
	kv, err := c.getKeyValues(ctx, s, "/cgi-bin/global.cgi?action=getCurrentTime")
	if err != nil {
		return "", err
	}
	t, ok := kv["result"]
	if !ok || t == "" {
		return "", fmt.Errorf("device time missing in response")
	}
	return t, nil
}

// Storage 获取存储状态
func (c *cgiClient) Storage(ctx context.Context, s *Session) (*Storage, error) {
	kv, err := c.getKeyValues(ctx, s, "/cgi-bin/storageDevice.cgi?action=getDeviceAllInfo")
	if err != nil {
		return nil, err
	}

	state := kv["list.info[0].State"]
	if state == "" {
		state = "Unknown"
	}
	totalBytes, _ := strconv.ParseFloat(kv["list.info[0].Detail[0].TotalBytes"], 64)
	usedBytes, _ := strconv.ParseFloat(kv["list.info[0].Detail[0].UsedBytes"], 64)

	const gib = 1024 * 1024 * 1024
	st := &Storage{
		Status:     state,
		Working:    strings.EqualFold(state, "ok"),
		CapacityGB: round2(totalBytes / gib),
		UsedGB:     round2(usedBytes / gib),
		FreeGB:     round2((totalBytes - usedBytes) / gib),
	}
	if totalBytes > 0 {
		st.UsagePercent = round1(usedBytes / totalBytes * 100)
	}
	return st, nil
}

// Recording 判断是否在录像：媒体文件查找器能创建成功说明录像子系统在工作
func (c *cgiClient) Recording(ctx context.Context, s *Session) (bool, error) {
	kv, err := c.getKeyValues(ctx, s, "/cgi-bin/mediaFileFind.cgi?action=factory.create")
	if err != nil {
		return false, err
	}
	finderID, ok := kv["result"]
	if ok && finderID != "" {
		// 释放查找器，设备端句柄有限
		_, _, _ = c.get(ctx, s, "/cgi-bin/mediaFileFind.cgi?action=destroy&object="+finderID)
		return true, nil
	}
	return false, nil
}

// Logout CGI协议基于Digest认证，无需显式退出
func (c *cgiClient) Logout(ctx context.Context, s *Session) error {
	return nil
}

// SnapshotURL 通道快照地址
func (c *cgiClient) SnapshotURL(dev Device, channel int) string {
	return fmt.Sprintf("http://%s:%d/cgi-bin/snapshot.cgi?channel=%d&type=0", dev.IP, dev.Port, channel)
}

// maxChannels 查询最大远程输入通道数，失败时回退为4
func (c *cgiClient) maxChannels(ctx context.Context, s *Session) int {
	_, body, err := c.get(ctx, s, "/cgi-bin/magicBox.cgi?action=getProductDefinition&name=MaxRemoteInputChannels")
	if err != nil {
		return 4
	}
	if m := maxChannelsRe.FindSubmatch(body); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > 0 {
			return n
		}
	}
	return 4
}

// channelTitles 获取通道名称，返回 通道下标(0基) -> 名称
func (c *cgiClient) channelTitles(ctx context.Context, s *Session) (map[int]string, error) {
	kv, err := c.getKeyValues(ctx, s, "/cgi-bin/configManager.cgi?action=getConfig&name=ChannelTitle")
	if err != nil {
		return nil, err
	}
	titles := make(map[int]string)
	for key, value := range kv {
		if m := channelTitleRe.FindStringSubmatch(key); m != nil {
			idx, _ := strconv.Atoi(m[1])
			titles[idx] = util.NormalizeTitle(value)
		}
	}
	return titles, nil
}

// videoLossChannels 获取视频丢失事件中的通道下标列表，响应形如 channels=0,1,2
func (c *cgiClient) videoLossChannels(ctx context.Context, s *Session) []int {
	kv, err := c.getKeyValues(ctx, s, "/cgi-bin/eventManager.cgi?action=getEventIndexes&code=VideoLoss")
	if err != nil {
		return nil
	}
	raw, ok := kv["channels"]
	if !ok || raw == "" {
		return nil
	}
	var channels []int
	for _, part := range strings.Split(raw, ",") {
		if idx, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			channels = append(channels, idx)
		}
	}
	return channels
}

func (c *cgiClient) get(ctx context.Context, s *Session, path string) (int, []byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", s.Device.IP, s.Device.Port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// getKeyValues 请求并解析CGI的 key=value 行式响应
func (c *cgiClient) getKeyValues(ctx context.Context, s *Session, path string) (map[string]string, error) {
	status, body, err := c.get(ctx, s, path)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrAuthFailed
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", status, path)
	}
	return parseKeyValues(body), nil
}

// parseKeyValues 解析 key=value 行式响应体，忽略无等号的行
func parseKeyValues(body []byte) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return kv
}

// buildReport 汇总通道列表为报告
func buildReport(cameras []Camera, maxChannels int) *CameraReport {
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Channel < cameras[j].Channel })
	report := &CameraReport{
		Total:       len(cameras),
		MaxChannels: maxChannels,
		Cameras:     cameras,
	}
	for _, cam := range cameras {
		if cam.Working {
			report.Working++
		}
	}
	return report
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
