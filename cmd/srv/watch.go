package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/yitech/candlefeed/market"
	"github.com/yitech/candlefeed/model/candle"
)

var (
	bullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#26a641"))
	bearStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#e05c5c"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	stateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5f87ff"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e05c5c"))
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var ticks bool
	cmd := &cobra.Command{
		Use:   "watch [SYMBOL] [INTERVAL]",
		Short: "Subscribe in-process and print candle updates",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, svc, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			defer svc.Close()

			symbol, interval := cfg.Symbol, cfg.Interval
			if len(args) > 0 {
				symbol = args[0]
			}
			if len(args) > 1 {
				interval = args[1]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, svc, symbol, interval, ticks, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&ticks, "ticks", false, "print every tick, not only candle updates")
	return cmd
}

func watch(ctx context.Context, svc *market.Service, symbol, interval string, ticks bool, w io.Writer) error {
	sub, err := svc.Subscribe(ctx, symbol, interval)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	events := make(chan market.Event, 64)
	snap, tok := sub.Watch(func(ev market.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer tok.Unsubscribe()

	source := snap.HistorySource
	if snap.HistoryUnavailable {
		source = "unavailable"
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%s %s: %d candles from %s", sub.Symbol, sub.Interval, len(snap.Series), source)))
	for _, c := range snap.Series {
		fmt.Fprintln(w, formatCandle(c))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if line := formatEvent(ev, ticks); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}
}

func formatEvent(ev market.Event, ticks bool) string {
	switch ev.Kind {
	case market.EventCandle:
		c, ok := ev.Update.Candle()
		if !ok {
			return ""
		}
		return formatCandle(c) + dimStyle.Render("  "+ev.Update.Kind.String())
	case market.EventTick:
		if !ticks {
			return ""
		}
		tag := "live"
		if ev.Tick.Simulated {
			tag = "sim"
		}
		return dimStyle.Render(fmt.Sprintf("tick %s %.2f (%s)", ev.Tick.ReceivedAt.Format(time.TimeOnly), ev.Tick.Price, tag))
	case market.EventState:
		if ev.State == candle.StateError {
			return errStyle.Render(fmt.Sprintf("state %s: %v", ev.State, ev.Err))
		}
		if ev.Err != nil {
			return stateStyle.Render(fmt.Sprintf("state %s (%v)", ev.State, ev.Err))
		}
		return stateStyle.Render("state " + ev.State.String())
	}
	return ""
}

func formatCandle(c candle.Candle) string {
	style := bullStyle
	if !c.Bullish() {
		style = bearStyle
	}
	return style.Render(fmt.Sprintf("%s  O:%.2f H:%.2f L:%.2f C:%.2f V:%.4g",
		c.Time().Format(time.DateTime), c.Open, c.High, c.Low, c.Close, c.Volume))
}
