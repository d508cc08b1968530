package analysis

import (
	"math"
	"strconv"
	"strings"
	"time"

	"pricemesh/database"
)

// Session 交易时段
type Session string

const (
	SessionSydney  Session = "sydney"
	SessionTokyo   Session = "tokyo"
	SessionLondon  Session = "london"
	SessionNewYork Session = "newyork"
)

// SessionForHour 按小时选择交易时段
// 时段按 UTC 小时划分，互不重叠
func SessionForHour(hour int) Session {
	switch {
	case hour >= 22 || hour < 6:
		return SessionSydney
	case hour >= 6 && hour < 8:
		return SessionTokyo
	case hour >= 8 && hour < 16:
		return SessionLondon
	default:
		return SessionNewYork
	}
}

// sessionMultiplier 返回时段对应的点差倍率
func sessionMultiplier(cfg *database.AdminConfig, session Session) float64 {
	switch session {
	case SessionSydney:
		return cfg.SydneyMultiplier
	case SessionTokyo:
		return cfg.TokyoMultiplier
	case SessionLondon:
		return cfg.LondonMultiplier
	case SessionNewYork:
		return cfg.NewYorkMultiplier
	default:
		return 1
	}
}

// baseSpread 返回账户类型对应的基础点差（价格步数）
func baseSpread(cfg *database.AdminConfig, accountType string) float64 {
	if strings.EqualFold(accountType, "ECN") {
		return cfg.BaseSpreadECN
	}
	return cfg.BaseSpreadSTD
}

// pointSize 根据报价小数位数计算价格步长
func pointSize(digits int) float64 {
	if digits <= 0 {
		return 1
	}
	return math.Pow(10, -float64(digits))
}

// pipSize 点（pip）为价格步长的10倍（5位报价下 1 pip = 0.0001）
func pipSize(digits int) float64 {
	return pointSize(digits) * 10
}

// syncSpread 计算同步点差：基础点差 × 时段倍率 × 价格步长
func syncSpread(cfg *database.AdminConfig, accountType string, session Session, digits int) float64 {
	return baseSpread(cfg, accountType) * sessionMultiplier(cfg, session) * pointSize(digits)
}

// inBlackout 判断当前时刻是否落在任一静默时间段内
// 时间段格式 "HH:MM-HH:MM"，逗号分隔；跨午夜的区间也支持
func inBlackout(now time.Time, ranges string) bool {
	ranges = strings.TrimSpace(ranges)
	if ranges == "" {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()

	for _, r := range strings.Split(ranges, ",") {
		parts := strings.SplitN(strings.TrimSpace(r), "-", 2)
		if len(parts) != 2 {
			continue
		}
		start, ok1 := parseHHMM(parts[0])
		end, ok2 := parseHHMM(parts[1])
		if !ok1 || !ok2 {
			continue
		}

		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else {
			// 跨午夜
			if minutes >= start || minutes < end {
				return true
			}
		}
	}
	return false
}

// parseHHMM 解析 "HH:MM" 为自午夜起的分钟数
func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
