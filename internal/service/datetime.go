package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// OutputTimeFormat 设备时间统一输出格式
const OutputTimeFormat = "2006-01-02 15:04:05"

// dvrTimeLayouts 各厂商固件常见的时间格式，按出现频率排序。
// 欧式 dd/mm 排在美式 mm/dd 之前，歧义输入按欧式解释
var dvrTimeLayouts = []string{
	// 标准格式
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999Z07:00",

	// 仅日期，时间按00:00:00处理
	"2006-01-02",

	// 欧式 日-月-年
	"02-01-2006 15:04:05",
	"02-01-2006",
	"02/01/2006 15:04:05",
	"02/01/2006",

	// 美式 月/日/年
	"01/02/2006 15:04:05",
	"01/02/2006",

	// 单数字变体
	"2-1-2006 15:04:05",
	"2-1-2006",
	"1-2-2006 15:04:05",
	"1-2-2006",
	"2006-1-2 15:04:05",
	"2006-1-2",

	// 空格分隔变体
	"2 1 2006 15:04:05",
	"2 1 2006",
	"2006 1 2 15:04:05",
	"2006 1 2",

	// 12小时制
	"2006-01-02 03:04:05 PM",
	"02-01-2006 03:04:05 PM",
	"01/02/2006 03:04:05 PM",
}

// DateTimeNormalizer 设备时间归一化器。不同厂商、不同固件版本上报的
// 时间格式五花八门，这里统一解析为配置时区下的标准格式
type DateTimeNormalizer struct {
	loc *time.Location
}

// NewDateTimeNormalizer 创建归一化器
func NewDateTimeNormalizer(loc *time.Location) *DateTimeNormalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &DateTimeNormalizer{loc: loc}
}

// Parse 解析设备上报的原始时间字符串。解析失败或年份超出1900-2100
// 合理范围时返回false，调用方应保留上次有效值
func (n *DateTimeNormalizer) Parse(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	// 纯数字按Unix秒时间戳处理
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(ts, 0).In(n.loc)
		if yearSane(t) {
			return t, true
		}
		return time.Time{}, false
	}

	for _, layout := range dvrTimeLayouts {
		t, err := time.ParseInLocation(layout, raw, n.loc)
		if err != nil {
			continue
		}
		t = t.In(n.loc)
		if yearSane(t) {
			return t, true
		}
	}

	// 兜底：通用解析器处理未覆盖的冷门格式
	if t, err := dateparse.ParseIn(raw, n.loc); err == nil {
		t = t.In(n.loc)
		if yearSane(t) {
			return t, true
		}
	}

	return time.Time{}, false
}

// Normalize 解析并格式化为标准输出，失败返回nil
func (n *DateTimeNormalizer) Normalize(raw string) *string {
	t, ok := n.Parse(raw)
	if !ok {
		return nil
	}
	s := t.Format(OutputTimeFormat)
	return &s
}

// OffsetMinutes 计算设备时间与服务器时间的偏差分钟数，设备快为正。
// 解析失败返回nil
func (n *DateTimeNormalizer) OffsetMinutes(raw string, now time.Time) *int {
	t, ok := n.Parse(raw)
	if !ok {
		return nil
	}
	minutes := int(t.Sub(now.In(n.loc)).Round(time.Minute) / time.Minute)
	return &minutes
}

func yearSane(t time.Time) bool {
	return t.Year() > 1900 && t.Year() < 2100
}
