package ui

import (
	"context"
	"errors"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/perpguard/internal/config"
	"github.com/skalibog/perpguard/internal/risk"
	"github.com/skalibog/perpguard/internal/strategy"
	"github.com/skalibog/perpguard/internal/stream"
	"github.com/skalibog/perpguard/pkg/logger"
	"github.com/skalibog/perpguard/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Ranker provides the current opportunity ranking
type Ranker interface {
	Rankings() models.OpportunityRanking
}

// StatsSource provides the upstream connection counters
type StatsSource interface {
	Stats() stream.Stats
}

// AccountSource provides the margin account snapshot
type AccountSource interface {
	Snapshot() risk.AccountMarginState
}

// Resetter leaves the Failed connection state
type Resetter interface {
	Reset() error
}

// Deps are the components the dashboard reads from
type Deps struct {
	Ranker     Ranker
	Stats      StatsSource
	Account    AccountSource
	Resetter   Resetter
	Thresholds strategy.Thresholds
}

// TermUI is the terminal dashboard
type TermUI struct {
	deps   Deps
	config config.UIConfig
}

type tickMsg time.Time

type model struct {
	deps    Deps
	config  config.UIConfig
	ranking models.OpportunityRanking
	stats   stream.Stats
	account risk.AccountMarginState
	logs    []string
	status  string

	selected int
	width    int
	height   int
}

// NewTermUI creates the dashboard
func NewTermUI(cfg config.UIConfig, deps Deps) *TermUI {
	return &TermUI{deps: deps, config: cfg}
}

// Run blocks until the user quits or ctx is done
func (ui *TermUI) Run(ctx context.Context) error {
	p := tea.NewProgram(newModel(ui.config, ui.deps), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func newModel(cfg config.UIConfig, deps Deps) model {
	m := model{deps: deps, config: cfg, width: 120, height: 40}
	m.refresh()
	return m
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.config.RefreshRate, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) refresh() {
	m.ranking = m.deps.Ranker.Rankings()
	m.stats = m.deps.Stats.Stats()
	m.account = m.deps.Account.Snapshot()
	if m.selected >= len(m.ranking) {
		m.selected = max(0, len(m.ranking)-1)
	}

	if m.config.LogFile == "" {
		return
	}
	logs, err := loadLogs(m.config.LogFile)
	if err != nil {
		logger.Warn("Failed to load logs", zap.Error(err))
		return
	}
	if len(logs) > 0 {
		m.logs = logs
	}
}

func (m model) Init() tea.Cmd {
	return m.tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			m.selected = max(0, m.selected-1)
		case "down", "j":
			m.selected = min(max(0, len(m.ranking)-1), m.selected+1)
		case "r":
			if m.deps.Resetter == nil {
				break
			}
			if err := m.deps.Resetter.Reset(); err != nil {
				m.status = "reset failed: " + err.Error()
			} else {
				m.status = "connection reset requested"
			}
			m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, m.tick()
	}

	return m, nil
}

func (m model) View() string {
	logLimit := 8
	if m.height > 40 {
		logLimit = m.height - 32
	}

	footer := "Keys: up/down navigate, R reset connection, Q quit"
	if m.status != "" {
		footer += "  |  " + m.status
	}

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("PERPGUARD - Perpetual Futures Opportunity Scorer"),
			section("CONNECTION", renderConnection(m.stats)),
			section("RANKING", renderRankings(m.ranking, m.deps.Thresholds, m.selected)),
			section("ACCOUNT", renderAccount(m.account)),
			section("LOGS", renderLogs(m.logs, logLimit)),
			footerStyle.Render(footer),
		),
	)
}

func sortedPositions(acc risk.AccountMarginState) []string {
	ids := make([]string, 0, len(acc.Positions))
	for id := range acc.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
