package store

import "testing"

func TestNormalizeBrokerName(t *testing.T) {
	cases := map[string]string{
		"  IC-Markets  ": "ic-markets",
		"PEPPERSTONE":    "pepperstone",
		"fxpro":          "fxpro",
	}
	for in, want := range cases {
		if got := NormalizeBrokerName(in); got != want {
			t.Errorf("规范化 %q: 期望 %q, 得到 %q", in, want, got)
		}
	}
}

func TestParseProgress(t *testing.T) {
	// 正常进度字符串
	pct, ok := ParseProgress("45/100")
	if !ok || pct != 45 {
		t.Errorf("解析 45/100: 期望 (45, true), 得到 (%v, %v)", pct, ok)
	}

	pct, ok = ParseProgress(" 3/4 ")
	if !ok || pct != 75 {
		t.Errorf("解析 3/4: 期望 (75, true), 得到 (%v, %v)", pct, ok)
	}

	// 非进度字符串不应解析成功
	for _, s := range []string{"connected", "", "12", "a/b", "5/0", "5/-1"} {
		if _, ok := ParseProgress(s); ok {
			t.Errorf("解析 %q 不应成功", s)
		}
	}
}

func TestFormatProgressRoundTrip(t *testing.T) {
	s := FormatProgress(30, 120)
	pct, ok := ParseProgress(s)
	if !ok || pct != 25 {
		t.Errorf("往返解析 %q: 期望 (25, true), 得到 (%v, %v)", s, pct, ok)
	}
}

func TestIsConnected(t *testing.T) {
	m := BrokerMetadata{Status: StatusConnected}
	if !m.IsConnected() {
		t.Error("connected 状态应视为已连接")
	}

	// 重置期间状态为进度字符串
	m.Status = "45/100"
	if m.IsConnected() {
		t.Error("进度字符串状态不应视为已连接")
	}
}
