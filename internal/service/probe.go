package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/dvrmonitorpro/dvrmonitorpro/addone/dvrapi"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// Prober 设备可达性探测器，先ICMP后HTTP，两者互为补充：
// 部分网络屏蔽ICMP，部分设备Web服务挂死但仍回ping
type Prober struct {
	cfg  config.ProbeConfig
	http *http.Client
}

// NewProber 创建探测器
func NewProber(cfg config.ProbeConfig) *Prober {
	return &Prober{
		cfg: cfg,
		http: httpclient.New(httpclient.Config{
			Timeout:        cfg.Timeout,
			ConnectTimeout: cfg.ConnectTimeout,
		}),
	}
}

// Probe 执行一次可达性探测
func (p *Prober) Probe(ctx context.Context, dev dvrapi.Device) ProbeResult {
	var pr ProbeResult

	if p.cfg.PingEnable {
		pr.PingOK, pr.PingMs = p.ping(ctx, dev.IP)
	}

	code, ms, err := p.httpProbe(ctx, dev)
	pr.HTTPCode = code
	pr.HTTPMs = ms
	pr.Err = err
	if err != nil && isTimeout(err) {
		pr.TimedOut = true
	}

	return pr
}

// ping 发送单个ICMP包。使用非特权UDP模式，容器内无需CAP_NET_RAW
func (p *Prober) ping(ctx context.Context, ip string) (bool, *float64) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false, nil
	}
	pinger.SetPrivileged(false)
	pinger.Count = 1
	pinger.Timeout = p.cfg.PingTimeout
	if err := pinger.RunWithContext(ctx); err != nil {
		logger.Debugf("icmp probe failed for %s: %v", ip, err)
		return false, nil
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return false, nil
	}
	ms := float64(stats.AvgRtt.Microseconds()) / 1000
	return true, &ms
}

// httpProbe 请求设备Web根路径，任何状态码都说明传输层通了
func (p *Prober) httpProbe(ctx context.Context, dev dvrapi.Device) (int, float64, error) {
	url := fmt.Sprintf("http://%s:%d/", dev.IP, dev.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := p.http.Do(req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return 0, elapsed, err
	}
	_, _ = httpclient.ReadBody(resp)
	return resp.StatusCode, elapsed, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
