// Package notify renders trading activity to a terminal. It is optional;
// headless deployments run without it.
package notify

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

// Console subscribes to the event bus and prints a per-bot performance table
// whenever a position closes, plus an aggregate summary on shutdown.
type Console struct {
	out io.Writer
	now func() time.Time

	mu          sync.Mutex
	tallies     map[string]*botTally
	unsubscribe func()
}

type botTally struct {
	botID       string
	trades      int
	wins        int
	pnlLamports int64
	openCount   int
	lastPool    string
	lastReason  string
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithWriter redirects output, mainly for tests.
func WithWriter(w io.Writer) ConsoleOption {
	return func(c *Console) { c.out = w }
}

// WithConsoleClock injects a clock for tests.
func WithConsoleClock(now func() time.Time) ConsoleOption {
	return func(c *Console) { c.now = now }
}

// Subscriber is the bus surface the reporter needs.
type Subscriber interface {
	SubscribeAll(handler func(domain.BotEvent)) func()
}

// NewConsole creates a reporter writing to stdout and attaches it to the bus.
func NewConsole(bus Subscriber, opts ...ConsoleOption) *Console {
	c := &Console{
		out:     os.Stdout,
		now:     time.Now,
		tallies: make(map[string]*botTally),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = bus.SubscribeAll(c.handle)
	return c
}

// Close detaches the reporter from the bus and prints the final summary.
func (c *Console) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.Summary()
}

func (c *Console) handle(ev domain.BotEvent) {
	switch ev.Type {
	case domain.EventEngineStarted:
		c.line(ev.Timestamp, "bot %s started", short(ev.BotID))
	case domain.EventEngineStopped:
		c.line(ev.Timestamp, "bot %s stopped", short(ev.BotID))
	case domain.EventEngineError:
		reason := ""
		if m, ok := ev.Payload.(map[string]any); ok {
			reason, _ = m["reason"].(string)
		}
		c.line(ev.Timestamp, "bot %s ERROR: %s", short(ev.BotID), reason)
	case domain.EventPositionOpened:
		c.onOpened(ev)
	case domain.EventPositionClosed:
		c.onClosed(ev)
	}
}

func (c *Console) onOpened(ev domain.BotEvent) {
	pos, ok := ev.Payload.(*domain.TrackedPosition)
	if !ok {
		return
	}

	c.mu.Lock()
	c.tally(ev.BotID).openCount++
	c.mu.Unlock()

	c.line(ev.Timestamp, "bot %s opened %s  size %.4f SOL  score %.0f",
		short(ev.BotID), poolLabel(pos), domain.LamportsToSOL(pos.EntryTotalLamports()), pos.EntryScore)
}

func (c *Console) onClosed(ev domain.BotEvent) {
	pos, ok := ev.Payload.(*domain.TrackedPosition)
	if !ok {
		return
	}

	c.mu.Lock()
	t := c.tally(ev.BotID)
	t.trades++
	if pos.RealizedPnLLamports >= 0 {
		t.wins++
	}
	t.pnlLamports += pos.RealizedPnLLamports
	if t.openCount > 0 {
		t.openCount--
	}
	t.lastPool = poolLabel(pos)
	t.lastReason = string(pos.ExitReason)
	c.mu.Unlock()

	result := "LOSS"
	if pos.RealizedPnLLamports >= 0 {
		result = "WIN"
	}
	c.line(ev.Timestamp, "bot %s closed %s  %s %.6f SOL  (%s)",
		short(ev.BotID), poolLabel(pos), result,
		domain.LamportsToSOL(pos.RealizedPnLLamports), pos.ExitReason)
	c.printTable()
}

// Summary prints the aggregate table plus process totals. Called on
// shutdown, safe to call with no recorded activity.
func (c *Console) Summary() {
	c.mu.Lock()
	rows := c.rowsLocked()
	c.mu.Unlock()

	if len(rows) == 0 {
		fmt.Fprintln(c.out, "no trading activity recorded")
		return
	}

	fmt.Fprintf(c.out, "\n=== SESSION SUMMARY (%s) ===\n", c.now().Format("2006-01-02 15:04:05"))
	c.render(rows)

	var trades, wins int
	var pnl int64
	for _, t := range rows {
		trades += t.trades
		wins += t.wins
		pnl += t.pnlLamports
	}
	fmt.Fprintf(c.out, "  total: %d trades, %d wins (%.0f%%), net %.6f SOL\n\n",
		trades, wins, winRate(wins, trades), domain.LamportsToSOL(pnl))
}

func (c *Console) printTable() {
	c.mu.Lock()
	rows := c.rowsLocked()
	c.mu.Unlock()
	c.render(rows)
}

func (c *Console) rowsLocked() []*botTally {
	rows := make([]*botTally, 0, len(c.tallies))
	for _, t := range c.tallies {
		rows = append(rows, t)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].botID < rows[j].botID })
	return rows
}

func (c *Console) render(rows []*botTally) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Bot", "Open", "Trades", "Wins", "Win%", "PnL SOL", "Last pool", "Last exit")

	for _, t := range rows {
		table.Append(
			short(t.botID),
			fmt.Sprintf("%d", t.openCount),
			fmt.Sprintf("%d", t.trades),
			fmt.Sprintf("%d", t.wins),
			fmt.Sprintf("%.0f%%", winRate(t.wins, t.trades)),
			fmt.Sprintf("%.6f", domain.LamportsToSOL(t.pnlLamports)),
			t.lastPool,
			t.lastReason,
		)
	}
	table.Render()
}

// tally must be called with c.mu held.
func (c *Console) tally(botID string) *botTally {
	t, ok := c.tallies[botID]
	if !ok {
		t = &botTally{botID: botID}
		c.tallies[botID] = t
	}
	return t
}

func (c *Console) line(at time.Time, format string, args ...any) {
	if at.IsZero() {
		at = c.now()
	}
	fmt.Fprintf(c.out, "[%s] %s\n", at.Format("15:04:05"), fmt.Sprintf(format, args...))
}

func poolLabel(pos *domain.TrackedPosition) string {
	if pos.PoolName != "" {
		return pos.PoolName
	}
	return short(pos.PoolAddress)
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func winRate(wins, trades int) float64 {
	if trades == 0 {
		return 0
	}
	return float64(wins) / float64(trades) * 100
}
