package dvrapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Client{}
)

// Register 注册厂商协议客户端
func Register(vendor string, client Client) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[vendor] = client
}

// ErrUnsupportedVendor 厂商未注册
var ErrUnsupportedVendor = errors.New("unsupported vendor")

// Get 按厂商名获取协议客户端，名称支持常见变体
func Get(vendor string) (Client, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[Normalize(vendor)]
	return c, ok
}

// Resolve 按厂商名获取协议客户端，未注册时返回ErrUnsupportedVendor
func Resolve(vendor string) (Client, error) {
	c, ok := Get(vendor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVendor, vendor)
	}
	return c, nil
}

// VendorInfo 厂商标识与显示名
type VendorInfo struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

// vendorOrder 内置厂商的固定排序与显示名
var vendorOrder = []VendorInfo{
	{Key: VendorCPPlus, DisplayName: "CP Plus"},
	{Key: VendorDahua, DisplayName: "Dahua"},
	{Key: VendorHikvision, DisplayName: "Hikvision"},
}

// Vendors 返回已注册厂商列表。内置厂商按固定优先级排列，
// 外部注册的厂商按key排序追加，保证多次调用顺序一致
func Vendors() []VendorInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	infos := make([]VendorInfo, 0, len(registry))
	seen := make(map[string]bool, len(registry))
	for _, info := range vendorOrder {
		if _, ok := registry[info.Key]; ok {
			infos = append(infos, info)
			seen[info.Key] = true
		}
	}

	var extra []string
	for key := range registry {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		infos = append(infos, VendorInfo{Key: key, DisplayName: key})
	}
	return infos
}

// RegisterBuiltins 注册内置厂商客户端
func RegisterBuiltins(cfg httpclient.Config) {
	Register(VendorCPPlus, NewCPPlusClient(cfg))
	Register(VendorDahua, NewDahuaClient(cfg))
	Register(VendorHikvision, NewHikvisionClient(cfg))
}

// Normalize 归一化厂商名：录入数据中同一厂商存在多种写法
func Normalize(vendor string) string {
	v := strings.ToLower(strings.TrimSpace(vendor))
	v = strings.NewReplacer("-", "", "_", "", " ", "").Replace(v)
	switch {
	case strings.Contains(v, "hik") || strings.HasPrefix(v, "ds"):
		return VendorHikvision
	case strings.Contains(v, "dahua") || strings.HasPrefix(v, "dh"):
		return VendorDahua
	case strings.Contains(v, "cpplus") || v == "cp":
		return VendorCPPlus
	}
	return v
}
