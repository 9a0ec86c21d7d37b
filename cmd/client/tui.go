package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yitech/candlefeed/model/candle"
	pb "github.com/yitech/candlefeed/model/protobuf"
)

// ── styles ────────────────────────────────────────────────────────────────────

var (
	bullStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#26a641"))
	bearStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e05c5c"))
	wickStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	axisStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#aaaaaa"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))

	stateStyles = map[candle.State]lipgloss.Style{
		candle.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("#d7af00")),
		candle.StateLive:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#26a641")),
		candle.StateSimulated:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5f87ff")),
		candle.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("#d7af00")),
		candle.StateError:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e05c5c")),
	}
)

// ── messages ──────────────────────────────────────────────────────────────────

type eventMsg struct{ ev pb.Event }

type reconnectMsg struct{ err error }

// ── model ─────────────────────────────────────────────────────────────────────

type model struct {
	symbol    string
	interval  string
	nKline    int
	ch        <-chan pb.Event
	reconnect func(id string) error

	subID    string
	source   string
	candles  candle.Series
	tick     *candle.Tick
	state    candle.State
	stateErr string
	notice   string
	width    int
	height   int
}

func newModel(symbol, interval string, nKline int, ch <-chan pb.Event, reconnect func(string) error) model {
	return model{
		symbol:    symbol,
		interval:  interval,
		nKline:    nKline,
		ch:        ch,
		reconnect: reconnect,
	}
}

// ── Init / Update / View ──────────────────────────────────────────────────────

func (m model) Init() tea.Cmd {
	return waitForEvent(m.ch)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			if m.subID == "" {
				return m, nil
			}
			id, reconnect := m.subID, m.reconnect
			m.notice = "reconnecting…"
			return m, func() tea.Msg { return reconnectMsg{reconnect(id)} }
		}

	case reconnectMsg:
		m.notice = ""
		if msg.err != nil {
			m.notice = "reconnect failed: " + msg.err.Error()
		}
		return m, nil

	case eventMsg:
		m.apply(msg.ev)
		return m, waitForEvent(m.ch)
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "connecting…"
	}
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteByte('\n')
	b.WriteString(m.renderChart())
	b.WriteByte('\n')
	footer := "[r] reconnect  [q] quit"
	if m.notice != "" {
		footer += "  " + m.notice
	}
	b.WriteString(footerStyle.Render(footer))
	return b.String()
}

// ── helpers ───────────────────────────────────────────────────────────────────

// waitForEvent blocks on the channel and returns a Cmd that fires eventMsg.
func waitForEvent(ch <-chan pb.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{<-ch}
	}
}

func (m *model) apply(ev pb.Event) {
	switch ev.Type {
	case pb.EventSnapshot:
		m.subID = ev.SubscriptionID
		m.source = ev.HistorySource
		m.candles = trim(candle.Series(ev.Candles).Clone(), m.nKline)
		m.tick = ev.Tick
		m.state = ev.State
		m.stateErr = ev.Error
	case pb.EventCandle:
		if ev.Update == "reset" {
			m.candles = trim(candle.Series(ev.Candles).Clone(), m.nKline)
			return
		}
		m.candles = trim(merge(m.candles, ev.Candles), m.nKline)
	case pb.EventTick:
		m.tick = ev.Tick
	case pb.EventState:
		m.state = ev.State
		m.stateErr = ev.Error
	}
}

// merge folds delta candles into series by open time. Replaying a delta the
// series already holds leaves it unchanged.
func merge(series candle.Series, delta []candle.Candle) candle.Series {
	for _, c := range delta {
		n := len(series)
		switch {
		case n == 0 || c.OpenTime > series[n-1].OpenTime:
			series = append(series, c)
		case c.OpenTime == series[n-1].OpenTime:
			series[n-1] = c
		default:
			for i := n - 2; i >= 0; i-- {
				if series[i].OpenTime == c.OpenTime {
					series[i] = c
					break
				}
				if series[i].OpenTime < c.OpenTime {
					break
				}
			}
		}
	}
	return series
}

func trim(series candle.Series, n int) candle.Series {
	if n > 0 && len(series) > n {
		return series[len(series)-n:]
	}
	return series
}

// ── header ────────────────────────────────────────────────────────────────────

func (m model) renderHeader() string {
	st := stateStyles[m.state].Render(m.state.String())
	if m.stateErr != "" && m.state != candle.StateLive {
		st += axisStyle.Render(" (" + m.stateErr + ")")
	}
	last, ok := m.candles.Last()
	if !ok {
		return headerStyle.Render(fmt.Sprintf("%s  %s  waiting for data…  ", m.symbol, m.interval)) + st
	}

	price := ""
	if m.tick != nil {
		style := bullStyle
		if m.tick.Change < 0 {
			style = bearStyle
		}
		price = style.Render(fmt.Sprintf("%.2f %+.2f%%", m.tick.Price, m.tick.ChangePercent)) + "  "
	}
	return headerStyle.Render(fmt.Sprintf(
		"%s  %s  O:%.2f  H:%.2f  L:%.2f  C:%.2f  V:%.4g  %d/%d  [%s]  ",
		m.symbol, m.interval,
		last.Open, last.High, last.Low, last.Close, last.Volume,
		len(m.candles), m.nKline, m.source,
	)) + price + st
}

// ── chart ─────────────────────────────────────────────────────────────────────

const yAxisWidth = 11 // "  12345.67 │"

func (m model) renderChart() string {
	// Reserve: 1 header + chart rows + 1 x-axis line + 1 time-label line + 1 footer
	chartH := max(m.height-4, 3)

	candles := m.candles
	maxCols := max((m.width-yAxisWidth)/2, 1) // each candle occupies 2 chars
	if len(candles) > maxCols {
		candles = candles[len(candles)-maxCols:]
	}

	hi, lo := priceRange(candles)
	if hi == lo {
		hi = lo + 1
	}

	cols := len(candles) * 2
	grid := make([][]string, chartH)
	for r := range grid {
		grid[r] = make([]string, cols)
		for c := range grid[r] {
			grid[r][c] = " "
		}
	}

	for i, c := range candles {
		renderCandle(grid, c, i*2, chartH, hi, lo)
	}

	var b strings.Builder
	for row := 0; row < chartH; row++ {
		label := fmt.Sprintf("%9.2f │", rowToPrice(row, chartH, hi, lo))
		b.WriteString(axisStyle.Render(label))
		b.WriteString(strings.Join(grid[row], ""))
		b.WriteByte('\n')
	}

	b.WriteString(axisStyle.Render(strings.Repeat("─", yAxisWidth+cols)))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat(" ", yAxisWidth))
	b.WriteString(axisStyle.Render(timeLabels(candles, m.interval)))
	b.WriteByte('\n')

	return b.String()
}

// timeLabels places a timestamp under every tenth candle.
func timeLabels(candles candle.Series, interval string) string {
	layout := "15:04"
	if step, err := candle.ParseInterval(interval); err == nil && step >= 86400 {
		layout = "01/02"
	}
	line := []rune(strings.Repeat(" ", len(candles)*2))
	for i := 0; i < len(candles); i += 10 {
		label := time.Unix(candles[i].OpenTime, 0).UTC().Format(layout)
		copy(line[i*2:], []rune(label))
	}
	return string(line)
}

// renderCandle paints one candle into the grid at column x (0-indexed, 2 wide).
func renderCandle(grid [][]string, c candle.Candle, x, chartH int, hi, lo float64) {
	style := bullStyle
	if !c.Bullish() {
		style = bearStyle
	}

	fH := float64(chartH)
	bodyTop := priceToRow(math.Max(c.Open, c.Close), fH, hi, lo)
	bodyBot := priceToRow(math.Min(c.Open, c.Close), fH, hi, lo)
	wickTop := priceToRow(c.High, fH, hi, lo)
	wickBot := priceToRow(c.Low, fH, hi, lo)

	for row := 0; row < chartH; row++ {
		var left, right string
		switch {
		case row >= bodyTop && row <= bodyBot:
			left = style.Render("█")
			right = style.Render("█")
		case row >= wickTop && row <= wickBot:
			left = wickStyle.Render("│")
			right = " "
		default:
			left = " "
			right = " "
		}

		if x < len(grid[row]) {
			grid[row][x] = left
		}
		if x+1 < len(grid[row]) {
			grid[row][x+1] = right
		}
	}
}

// priceToRow converts a price to a grid row (0 = top = high).
func priceToRow(price, chartH float64, hi, lo float64) int {
	if hi == lo {
		return int(chartH) / 2
	}
	row := int(math.Round((hi - price) / (hi - lo) * (chartH - 1)))
	return min(max(row, 0), int(chartH)-1)
}

// rowToPrice is the inverse of priceToRow.
func rowToPrice(row, chartH int, hi, lo float64) float64 {
	if chartH <= 1 {
		return hi
	}
	return hi - float64(row)/float64(chartH-1)*(hi-lo)
}

// priceRange returns the overall high and low across the visible candles.
func priceRange(candles candle.Series) (hi, lo float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	hi, lo = candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return hi, lo
}
