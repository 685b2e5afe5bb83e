package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier escribiendo a un io.Writer.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// PositionClosed imprime el resumen de una posición terminal.
func (c *Console) PositionClosed(_ context.Context, p domain.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	closedAt := p.UpdatedAt
	if p.ClosedAt != nil {
		closedAt = *p.ClosedAt
	}
	fmt.Fprintf(c.out, "\n[%s] CLOSED %s (%s)\n",
		closedAt.Format("15:04:05"), domain.TruncateQuestion(p.Question, p.MarketID, 60), p.CloseReason)

	table := tablewriter.NewWriter(c.out)
	table.Header("Side", "Outcome", "Sold", "Proceeds", "Unsold", "Adj")
	for _, s := range []domain.Side{domain.SideA, domain.SideB} {
		l := p.Leg(s)
		table.Append(
			string(s),
			l.Outcome,
			fmt.Sprintf("%.2f", l.SoldShares),
			fmt.Sprintf("$%.2f", l.Proceeds),
			fmt.Sprintf("%.2f", l.Shares),
			fmt.Sprintf("%d", l.Adjustments),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  Splits: %d  split $%.2f  merged $%.2f  proceeds $%.2f\n",
		p.Splits, p.CollateralSplit, p.CollateralMerged, p.A.Proceeds+p.B.Proceeds)
	if s := p.Settlement; s != nil {
		source := "last bids"
		if !s.WinnerFromData {
			source = "no data, default A"
		}
		fmt.Fprintf(c.out, "  Winner: %s (%s, bid A %.3f / B %.3f)\n", s.Winner, source, s.LastBidA, s.LastBidB)
		fmt.Fprintf(c.out, "  Valuation $%.2f  net $%.2f  ROI %.2f%%\n", s.Valuation, s.NetPayout, s.ROI*100)
	}
	return nil
}

// PrintStatus imprime las posiciones activas y las últimas cerradas.
func (c *Console) PrintStatus(active, recent []domain.Position, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n── ACTIVE POSITIONS (%d) ──\n", len(active))
	if len(active) == 0 {
		fmt.Fprintln(c.out, "  (none)")
	} else {
		table := tablewriter.NewWriter(c.out)
		table.Header("Market", "State", "Left", "A", "B", "Splits", "Proceeds", "Age")
		for _, p := range active {
			table.Append(
				domain.TruncateQuestion(p.MarketID, p.ID, 32),
				string(p.State),
				minutesLeft(p, now),
				legLabel(p.A),
				legLabel(p.B),
				fmt.Sprintf("%d", p.Splits),
				fmt.Sprintf("$%.2f", p.A.Proceeds+p.B.Proceeds),
				now.Sub(p.CreatedAt).Truncate(time.Second).String(),
			)
		}
		table.Render()
	}

	var closed []domain.Position
	for _, p := range recent {
		if p.State.IsTerminal() {
			closed = append(closed, p)
		}
	}
	fmt.Fprintf(c.out, "\n── RECENT CLOSES (%d) ──\n", len(closed))
	if len(closed) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		fmt.Fprintln(c.out)
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Reason", "Closed", "Proceeds", "Merged", "Winner", "Net", "ROI")
	var totalNet, totalSplit float64
	for _, p := range closed {
		winner, net, roi := "-", "-", "-"
		cash := p.A.Proceeds + p.B.Proceeds + p.CollateralMerged - p.CollateralSplit
		if s := p.Settlement; s != nil {
			winner = string(s.Winner)
			if !s.WinnerFromData {
				winner += "?"
			}
			net = fmt.Sprintf("$%.2f", s.NetPayout)
			roi = fmt.Sprintf("%.2f%%", s.ROI*100)
			cash = p.A.Proceeds + p.B.Proceeds + s.NetPayout
		}
		totalNet += cash
		totalSplit += p.CollateralSplit

		closedAt := "-"
		if p.ClosedAt != nil {
			closedAt = p.ClosedAt.Format("01-02 15:04")
		}
		table.Append(
			domain.TruncateQuestion(p.MarketID, p.ID, 32),
			p.CloseReason,
			closedAt,
			fmt.Sprintf("$%.2f", p.A.Proceeds+p.B.Proceeds),
			fmt.Sprintf("$%.2f", p.CollateralMerged),
			winner,
			net,
			roi,
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "\n── SUMMARY ──\n")
	fmt.Fprintf(c.out, "  Closed:    %d\n", len(closed))
	fmt.Fprintf(c.out, "  Collateral split: $%.2f\n", totalSplit)
	fmt.Fprintf(c.out, "  Net P&L:   $%.2f\n", totalNet)
	fmt.Fprintln(c.out)
}

// --- helpers ---

func legLabel(l domain.Leg) string {
	var sb strings.Builder
	sb.WriteString(l.Outcome)
	switch {
	case l.Filled:
		sb.WriteString(" SOLD")
	case l.Order != nil && l.HasRestingOrder():
		fmt.Fprintf(&sb, " %.2f@%.2f", l.Order.Remaining(), l.Order.Price)
	case l.TargetPrice > 0:
		fmt.Fprintf(&sb, " →%.2f", l.TargetPrice)
	default:
		fmt.Fprintf(&sb, " %.2f", l.Shares)
	}
	return sb.String()
}

func minutesLeft(p domain.Position, now time.Time) string {
	if p.EndDate.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%.1fm", p.EndDate.Sub(now).Minutes())
}
