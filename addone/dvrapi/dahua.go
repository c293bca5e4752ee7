package dvrapi

import (
	"context"
	"sort"

	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
)

// DahuaClient 大华录像机客户端。协议与CP-Plus同源，
// 仅通道枚举方式不同：只信任ChannelTitle返回的通道，不按最大通道数预置
type DahuaClient struct {
	cgiClient
}

// NewDahuaClient 创建大华客户端
func NewDahuaClient(cfg httpclient.Config) *DahuaClient {
	return &DahuaClient{cgiClient{cfg: cfg}}
}

// Vendor 厂商标识
func (c *DahuaClient) Vendor() string {
	return VendorDahua
}

// Cameras 获取通道状态，通道列表完全由ChannelTitle键推导
func (c *DahuaClient) Cameras(ctx context.Context, s *Session) (*CameraReport, error) {
	titles, err := c.channelTitles(ctx, s)
	if err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(titles))
	for idx := range titles {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	cameras := make([]Camera, 0, len(indexes))
	byIndex := make(map[int]*Camera, len(indexes))
	for _, idx := range indexes {
		cameras = append(cameras, Camera{
			Channel: idx + 1,
			Name:    titles[idx],
			Working: true,
		})
		byIndex[idx] = &cameras[len(cameras)-1]
	}

	for _, idx := range c.videoLossChannels(ctx, s) {
		if cam, ok := byIndex[idx]; ok {
			cam.Working = false
			cam.Error = "video loss"
		}
	}

	return buildReport(cameras, c.maxChannels(ctx, s)), nil
}
