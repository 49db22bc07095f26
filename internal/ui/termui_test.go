package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/strategy"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/models"
)

type stubDeps struct {
	ranking  models.OpportunityRanking
	resets   int
	resetErr error
}

func (s *stubDeps) Rankings() models.OpportunityRanking { return s.ranking }

func (s *stubDeps) Stats() stream.Stats {
	return stream.Stats{State: models.Degraded, Markets: []string{"BTCUSDT", "ETHUSDT"}, Reconnects: 2}
}

func (s *stubDeps) Snapshot() risk.AccountMarginState {
	acc := risk.NewAccount(decimal.NewFromInt(10000))
	acc.Positions["BTCUSDT"] = risk.Position{
		MarketID:         "BTCUSDT",
		Size:             decimal.NewFromInt(10),
		EntryPrice:       decimal.NewFromInt(100),
		Leverage:         decimal.NewFromInt(5),
		LiquidationPrice: decimal.RequireFromString("80.5"),
		MarkPrice:        decimal.NewFromInt(100),
	}
	acc.UsedMargin = decimal.NewFromInt(200)
	return acc
}

func (s *stubDeps) Reset() error {
	s.resets++
	return s.resetErr
}

func newTestModel(s *stubDeps) model {
	return newModel(config.UIConfig{RefreshRate: time.Second}, Deps{
		Ranker: s, Stats: s, Account: s, Resetter: s, Thresholds: strategy.DefaultThresholds(),
	})
}

func TestModelNavigationAndReset(t *testing.T) {
	s := &stubDeps{ranking: models.OpportunityRanking{
		{MarketID: "BTCUSDT", Composite: 85},
		{MarketID: "ETHUSDT", Composite: 40},
	}}
	m := newTestModel(s)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	assert.Equal(t, 1, m.selected)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	assert.Equal(t, 1, m.selected)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = next.(model)
	assert.Equal(t, 0, m.selected)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(model)
	assert.Equal(t, 1, s.resets)
	assert.Equal(t, "connection reset requested", m.status)

	s.resetErr = errors.New("not failed")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(model)
	assert.Contains(t, m.status, "not failed")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
}

func TestModelTickRefreshes(t *testing.T) {
	s := &stubDeps{}
	m := newTestModel(s)
	assert.Empty(t, m.ranking)

	s.ranking = models.OpportunityRanking{{MarketID: "SOLUSDT", Composite: 20}}
	next, cmd := m.Update(tickMsg(time.Now()))
	m = next.(model)
	require.NotNil(t, cmd)
	require.Len(t, m.ranking, 1)

	view := m.View()
	assert.Contains(t, view, "SOLUSDT")
	assert.Contains(t, view, "DEGRADED")
	assert.Contains(t, view, "80.5000")
}

func TestRenderRankingsEmpty(t *testing.T) {
	assert.Contains(t, renderRankings(nil, strategy.DefaultThresholds(), 0), "Waiting for data")
}

func TestFormatLogLine(t *testing.T) {
	line := `{"level":"WARN","ts":"04.03.2026 - 05:06:07.000000000Z","caller":"x.go:1","msg":"Binance stream disconnected","market":"BTCUSDT","attempt":2}`
	assert.Equal(t, "[05:06:07] [WARN] Binance stream disconnected (attempt: 2) (market: BTCUSDT)", formatLogLine(line))
	assert.Equal(t, "plain text", formatLogLine("plain text"))
}

func TestTailLogsKeepsLastLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxLogLines+10; i++ {
		b.WriteString("line\n")
	}
	b.WriteString("last\n")

	logs, err := tailLogs(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, logs, maxLogLines)
	assert.Equal(t, "last", logs[len(logs)-1])
}

func TestLoadLogsMissingFile(t *testing.T) {
	logs, err := loadLogs("does-not-exist.json.log")
	require.NoError(t, err)
	assert.Nil(t, logs)
}
