package store

import (
	"fmt"
	"strconv"
	"strings"
)

// BrokerMetadata 终端元数据，每个终端连接一条
type BrokerMetadata struct {
	DisplayName string `json:"display_name"` // 终端显示名称
	Name        string `json:"name"`         // 规范化名称（小写，作为键）
	Index       int    `json:"index"`        // 集群序号，0为受保护的主终端
	Port        int    `json:"port"`         // 终端连接端口
	Version     int    `json:"version"`      // 协议版本
	AccountType string `json:"account_type"` // 账户类型: STD, ECN
	Status      string `json:"status"`       // 状态字符串，重置期间为 "done/total" 进度
	UpdatedAt   int64  `json:"updated_at"`   // 最后更新时间（Unix毫秒）
	SymbolCount int    `json:"symbol_count"` // 终端声明的符号数量
	BatchIndex  int    `json:"batch_index"`  // 分批推送序号
	BatchTotal  int    `json:"batch_total"`  // 分批推送总数
}

// StatusConnected 已连接状态标识
const StatusConnected = "connected"

// IsConnected 判断终端是否处于已连接状态
// 重置期间状态为进度字符串，不视为已连接
func (m *BrokerMetadata) IsConnected() bool {
	return m.Status == StatusConnected
}

// PriceTick 单个终端对单个符号的报价快照
type PriceTick struct {
	Symbol      string  `json:"symbol"`       // 规范化符号
	RawSymbol   string  `json:"raw_symbol"`   // 终端原始符号别名
	Bid         float64 `json:"bid"`          // 调整后买价
	Ask         float64 `json:"ask"`          // 调整后卖价
	RawBid      float64 `json:"raw_bid"`      // 原始买价
	RawAsk      float64 `json:"raw_ask"`      // 原始卖价
	Spread      float64 `json:"spread"`       // 调整后点差
	RawSpread   float64 `json:"raw_spread"`   // 原始点差
	Digits      int     `json:"digits"`       // 报价小数位数
	Tradable    bool    `json:"tradable"`     // 是否可交易
	DelayMs     int64   `json:"delay_ms"`     // 到达延迟（毫秒），负值表示时钟偏移
	TimeLabel   string  `json:"time_label"`   // 终端报价时间标签
	AccountType string  `json:"account_type"` // 账户类型: STD, ECN
}

// BrokerSnapshot 终端完整快照：元数据 + 全部报价
type BrokerSnapshot struct {
	Meta  BrokerMetadata `json:"meta"`
	Ticks []PriceTick    `json:"ticks"`
}

// SymbolQuote 某个符号下单个终端的可分析报价
type SymbolQuote struct {
	Broker      string    `json:"broker"`       // 终端规范化名称
	Index       int       `json:"index"`        // 集群序号
	Port        int       `json:"port"`         // 终端端口
	AccountType string    `json:"account_type"` // 账户类型
	Tick        PriceTick `json:"tick"`
}

// NormalizeBrokerName 规范化终端名称作为存储键
func NormalizeBrokerName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseProgress 解析 "done/total" 进度字符串为百分比
// 无法解析或 total 为 0 时返回 ok=false
func ParseProgress(status string) (float64, bool) {
	parts := strings.SplitN(strings.TrimSpace(status), "/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	done, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	total, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || total <= 0 {
		return 0, false
	}
	return float64(done) / float64(total) * 100, true
}

// FormatProgress 组装 "done/total" 进度字符串
func FormatProgress(done, total int) string {
	return fmt.Sprintf("%d/%d", done, total)
}
