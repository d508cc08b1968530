package analysis

import (
	"fmt"
	"math"
	"sort"

	"pricemesh/database"
	"pricemesh/store"
)

// Comparison 一对待比较的报价：参考报价 vs 候选报价
type Comparison struct {
	Reference store.SymbolQuote
	Candidate store.SymbolQuote
}

// Strategy 参考报价选择策略
// 两种策略并存，由管理配置选择（部署上未确认完全迁移到中位数策略）
type Strategy interface {
	Name() string
	// SelectComparisons 从一个符号的全部报价中选出比较对
	// 无法构成比较时返回空
	SelectComparisons(quotes []store.SymbolQuote, cfg *database.AdminConfig) []Comparison
}

const (
	// StrategyFirstBroker 首终端参考策略
	StrategyFirstBroker = "first_broker"
	// StrategyMedianConsensus 中位数共识策略
	StrategyMedianConsensus = "median_consensus"
)

// NewStrategy 按名称创建策略
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyFirstBroker:
		return &firstBrokerStrategy{}, nil
	case StrategyMedianConsensus:
		return &medianConsensusStrategy{}, nil
	default:
		return nil, fmt.Errorf("未知的分析策略: %s", name)
	}
}

// firstBrokerStrategy 集群序号最小的终端作为基准，其余终端逐一与之比较
type firstBrokerStrategy struct{}

func (s *firstBrokerStrategy) Name() string { return StrategyFirstBroker }

func (s *firstBrokerStrategy) SelectComparisons(quotes []store.SymbolQuote, cfg *database.AdminConfig) []Comparison {
	if len(quotes) < 2 {
		return nil
	}

	// 报价列表按集群序号升序，首个即为基准
	ref := quotes[0]
	comparisons := make([]Comparison, 0, len(quotes)-1)
	for _, q := range quotes[1:] {
		comparisons = append(comparisons, Comparison{Reference: ref, Candidate: q})
	}
	return comparisons
}

// medianConsensusStrategy 中位数共识策略：
// 计算全部终端的中位买价，偏离超过阈值的终端归为离群组，
// 主群中最接近中位数的终端作为基准，只分析离群终端
type medianConsensusStrategy struct{}

func (s *medianConsensusStrategy) Name() string { return StrategyMedianConsensus }

func (s *medianConsensusStrategy) SelectComparisons(quotes []store.SymbolQuote, cfg *database.AdminConfig) []Comparison {
	if len(quotes) < 2 {
		return nil
	}

	medianBid := medianOf(quotes, func(q store.SymbolQuote) float64 { return q.Tick.Bid })

	// 离群阈值按点（pip）配置，价格步长由各终端自身的小数位数决定
	var mainGroup, outliers []store.SymbolQuote
	for _, q := range quotes {
		threshold := cfg.OutlierPipThreshold * pipSize(q.Tick.Digits)
		if math.Abs(q.Tick.Bid-medianBid) > threshold {
			outliers = append(outliers, q)
		} else {
			mainGroup = append(mainGroup, q)
		}
	}

	minMain := cfg.MinMainGroup
	if minMain < 2 {
		minMain = 2
	}
	if len(mainGroup) < minMain || len(outliers) == 0 {
		return nil
	}

	// 主群中最接近中位数的终端作为基准
	ref := mainGroup[0]
	best := math.Abs(ref.Tick.Bid - medianBid)
	for _, q := range mainGroup[1:] {
		if d := math.Abs(q.Tick.Bid - medianBid); d < best {
			best = d
			ref = q
		}
	}

	comparisons := make([]Comparison, 0, len(outliers))
	for _, q := range outliers {
		comparisons = append(comparisons, Comparison{Reference: ref, Candidate: q})
	}
	return comparisons
}

// medianOf 计算报价列表某个字段的中位数
func medianOf(quotes []store.SymbolQuote, field func(store.SymbolQuote) float64) float64 {
	values := make([]float64, len(quotes))
	for i, q := range quotes {
		values[i] = field(q)
	}
	sort.Float64s(values)

	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
