package store

import (
	"context"
	"sort"
)

// GetAllUniqueSymbols 返回全部已连接终端可交易报价覆盖的符号集合
func (s *Store) GetAllUniqueSymbols(ctx context.Context) ([]string, error) {
	brokers, err := s.GetAllBrokers(ctx)
	if err != nil {
		return nil, err
	}
	return collectUniqueSymbols(brokers), nil
}

// GetSymbolDetails 返回单个符号下全部可分析报价，按集群序号升序
func (s *Store) GetSymbolDetails(ctx context.Context, symbol string) ([]SymbolQuote, error) {
	details, err := s.GetMultipleSymbolDetails(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	return details[symbol], nil
}

// GetMultipleSymbolDetails 批量返回多个符号的可分析报价
// 无论符号数量多少只做一次全量终端扫描
func (s *Store) GetMultipleSymbolDetails(ctx context.Context, symbols []string) (map[string][]SymbolQuote, error) {
	brokers, err := s.GetAllBrokers(ctx)
	if err != nil {
		return nil, err
	}
	return collectSymbolDetails(brokers, symbols), nil
}

// collectUniqueSymbols 从快照列表提取可分析符号集合
// 仅统计已连接终端的可交易报价
func collectUniqueSymbols(brokers []*BrokerSnapshot) []string {
	seen := make(map[string]bool)
	for _, b := range brokers {
		if !b.Meta.IsConnected() {
			continue
		}
		for _, t := range b.Ticks {
			if t.Tradable {
				seen[t.Symbol] = true
			}
		}
	}

	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}

// collectSymbolDetails 单次扫描提取多个符号的报价
// 复杂度 O(终端数 × 报价数)，与符号数量无关
func collectSymbolDetails(brokers []*BrokerSnapshot, symbols []string) map[string][]SymbolQuote {
	wanted := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		wanted[sym] = true
	}

	details := make(map[string][]SymbolQuote, len(symbols))

	// 快照列表已按集群序号排序，结果顺序随之保持
	for _, b := range brokers {
		if !b.Meta.IsConnected() {
			continue
		}
		for _, t := range b.Ticks {
			if !t.Tradable || !wanted[t.Symbol] {
				continue
			}
			details[t.Symbol] = append(details[t.Symbol], SymbolQuote{
				Broker:      b.Meta.Name,
				Index:       b.Meta.Index,
				Port:        b.Meta.Port,
				AccountType: b.Meta.AccountType,
				Tick:        t,
			})
		}
	}

	return details
}
