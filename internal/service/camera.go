package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dvrmonitorpro/dvrmonitorpro/addone/dvrapi"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// CameraProber 基于快照接口的逐通道探测器。通道号从1开始顺序探测，
// 遇到404说明通道编号已越界，立即停止，避免对16路设备白打几十个请求
type CameraProber struct {
	cfg config.CameraConfig
}

// NewCameraProber 创建通道探测器
func NewCameraProber(cfg config.CameraConfig) *CameraProber {
	return &CameraProber{cfg: cfg}
}

// Probe 逐通道拉取快照并判定。能取到超过最小字节数的图像视为正常，
// 401说明通道存在但拒绝访问，其余状态码按故障通道记录
func (p *CameraProber) Probe(ctx context.Context, client dvrapi.Client, dev dvrapi.Device, maxChannels int) *dvrapi.CameraReport {
	if maxChannels <= 0 {
		maxChannels = p.cfg.MaxChannelsDefault
	}

	httpClient := httpclient.NewDigest(httpclient.Config{
		Timeout: p.cfg.SnapshotTimeout,
	}, dev.Username, dev.Password)

	var cameras []dvrapi.Camera
	for ch := 1; ch <= maxChannels; ch++ {
		select {
		case <-ctx.Done():
			return buildProbeReport(cameras, maxChannels)
		default:
		}

		status, body, contentType, err := p.fetchSnapshot(ctx, httpClient, client.SnapshotURL(dev, ch))
		if err != nil {
			logger.WithDevice(dev.ID, dev.IP).Debugf("snapshot channel %d failed: %v", ch, err)
			cameras = append(cameras, dvrapi.Camera{
				Channel: ch,
				Name:    fmt.Sprintf("Channel %d", ch),
				Working: false,
				Error:   err.Error(),
			})
			continue
		}

		// 404：通道不存在，之后的编号也不会存在
		if status == http.StatusNotFound {
			break
		}

		working := false
		detail := ""
		if status == http.StatusOK {
			isImage := strings.Contains(contentType, "image") || looksLikeJPEG(body)
			working = isImage && len(body) >= p.cfg.MinImageBytes
			if !working {
				detail = "invalid snapshot image"
			}
		} else {
			detail = fmt.Sprintf("HTTP %d", status)
		}
		cameras = append(cameras, dvrapi.Camera{
			Channel: ch,
			Name:    fmt.Sprintf("Channel %d", ch),
			Working: working,
			Error:   detail,
		})
	}

	return buildProbeReport(cameras, maxChannels)
}

func (p *CameraProber) fetchSnapshot(ctx context.Context, client *http.Client, url string) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return resp.StatusCode, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Content-Type"), nil
}

// looksLikeJPEG 部分固件快照响应不带Content-Type，按JPEG魔数兜底识别
func looksLikeJPEG(body []byte) bool {
	return len(body) >= 3 && body[0] == 0xFF && body[1] == 0xD8 && body[2] == 0xFF
}

func buildProbeReport(cameras []dvrapi.Camera, maxChannels int) *dvrapi.CameraReport {
	report := &dvrapi.CameraReport{
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
