package dvrapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/dvrmonitorpro/dvrmonitorpro/internal/util"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
)

// HikvisionClient 海康威视录像机客户端，走ISAPI的XML接口
type HikvisionClient struct {
	cfg httpclient.Config
}

// NewHikvisionClient 创建海康客户端
func NewHikvisionClient(cfg httpclient.Config) *HikvisionClient {
	return &HikvisionClient{cfg: cfg}
}

// Vendor 厂商标识
func (c *HikvisionClient) Vendor() string {
	return VendorHikvision
}

// Login 验证凭据，用deviceInfo接口探测Digest认证
func (c *HikvisionClient) Login(ctx context.Context, dev Device) (*Session, error) {
	s := &Session{
		Token:  base64.StdEncoding.EncodeToString([]byte(dev.Username + ":" + dev.Password)),
		Device: dev,
		http:   httpclient.NewDigest(c.cfg, dev.Username, dev.Password),
	}
	status, _, err := c.get(ctx, s, "/ISAPI/System/deviceInfo")
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

// DeviceTime 获取设备本地时间，返回localTime原始值（ISO8601带时区偏移）
func (c *HikvisionClient) DeviceTime(ctx context.Context, s *Session) (string, error) {
	doc, err := c.getXML(ctx, s, "/ISAPI/System/time")
	if err != nil {
		return "", err
	}
	t := findText(doc, "localTime")
	if t == "" {
		return "", fmt.Errorf("localTime missing in response")
	}
	return t, nil
}

// Cameras 获取通道状态。resDesc含"NO VIDEO"的通道视为故障
func (c *HikvisionClient) Cameras(ctx context.Context, s *Session) (*CameraReport, error) {
	doc, err := c.getXML(ctx, s, "/ISAPI/System/Video/inputs/channels")
	if err != nil {
		return nil, err
	}

	var cameras []Camera
	for i, ch := range findElements(doc, "VideoInputChannel") {
		id := i + 1
		if v := childText(ch, "id"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				id = n
			}
		}
		name := util.NormalizeTitle(childText(ch, "name"))
		if name == "" {
			name = fmt.Sprintf("Channel %d", id)
		}
		resDesc := childText(ch, "resDesc")
		cam := Camera{
			Channel: id,
			Name:    name,
			Working: !strings.Contains(strings.ToUpper(resDesc), "NO VIDEO"),
		}
		if !cam.Working {
			cam.Error = resDesc
		}
		cameras = append(cameras, cam)
	}

	return buildReport(cameras, len(cameras)), nil
}

// Storage 获取第一块硬盘的状态，capacity与freeSpace单位为MB
func (c *HikvisionClient) Storage(ctx context.Context, s *Session) (*Storage, error) {
	doc, err := c.getXML(ctx, s, "/ISAPI/ContentMgmt/Storage")
	if err != nil {
		return nil, err
	}

	hdds := findElements(doc, "hdd")
	if len(hdds) == 0 {
		return &Storage{Status: "none", Working: false}, nil
	}
	hdd := hdds[0]

	status := strings.ToLower(strings.TrimSpace(childText(hdd, "status")))
	capacityMB, _ := strconv.ParseFloat(childText(hdd, "capacity"), 64)
	freeMB, _ := strconv.ParseFloat(childText(hdd, "freeSpace"), 64)

	st := &Storage{
		Status:     status,
		Working:    status == "ok",
		CapacityGB: round2(capacityMB / 1024),
		FreeGB:     round2(freeMB / 1024),
		UsedGB:     round2((capacityMB - freeMB) / 1024),
	}
	if capacityMB > 0 {
		st.UsagePercent = round1((capacityMB - freeMB) / capacityMB * 100)
	}
	return st, nil
}

// Recording 判断是否在录像：time接口携带recordingFrom/recordingTo即视为在录
func (c *HikvisionClient) Recording(ctx context.Context, s *Session) (bool, error) {
	doc, err := c.getXML(ctx, s, "/ISAPI/System/time")
	if err != nil {
		return false, err
	}
	return findText(doc, "recordingFrom") != "", nil
}

// Logout ISAPI基于Digest认证，无需显式退出
func (c *HikvisionClient) Logout(ctx context.Context, s *Session) error {
	return nil
}

// SnapshotURL 通道快照地址
func (c *HikvisionClient) SnapshotURL(dev Device, channel int) string {
	return fmt.Sprintf("http://%s:%d/ISAPI/Streaming/channels/%d/picture", dev.IP, dev.Port, channel)
}

func (c *HikvisionClient) get(ctx context.Context, s *Session, path string) (int, []byte, error) {
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

func (c *HikvisionClient) getXML(ctx context.Context, s *Session, path string) (*etree.Document, error) {
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
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("invalid xml from %s: %w", path, err)
	}
	return doc, nil
}

// findText 在文档任意深度查找指定标签的文本。固件既有默认命名空间也有
// 带前缀的变体，先按裸标签路径查，再退化为忽略前缀遍历
func findText(doc *etree.Document, tag string) string {
	if e := doc.FindElement("//" + tag); e != nil {
		return strings.TrimSpace(e.Text())
	}
	if root := doc.Root(); root != nil {
		if e := findByTag(root, tag); e != nil {
			return strings.TrimSpace(e.Text())
		}
	}
	return ""
}

// findElements 在文档任意深度查找指定标签的所有元素，忽略命名空间前缀
func findElements(doc *etree.Document, tag string) []*etree.Element {
	if elems := doc.FindElements("//" + tag); len(elems) > 0 {
		return elems
	}
	root := doc.Root()
	if root == nil {
		return nil
	}
	var out []*etree.Element
	collectByTag(root, tag, &out)
	return out
}

// childText 取直接子元素文本，忽略命名空间前缀
func childText(parent *etree.Element, tag string) string {
	for _, child := range parent.ChildElements() {
		if child.Tag == tag {
			return strings.TrimSpace(child.Text())
		}
	}
	return ""
}

func findByTag(e *etree.Element, tag string) *etree.Element {
	if e.Tag == tag {
		return e
	}
	for _, child := range e.ChildElements() {
		if found := findByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func collectByTag(e *etree.Element, tag string, out *[]*etree.Element) {
	if e.Tag == tag {
		*out = append(*out, e)
	}
	for _, child := range e.ChildElements() {
		collectByTag(child, tag, out)
	}
}
