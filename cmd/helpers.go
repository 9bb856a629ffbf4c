package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"time"

	"github.com/joescharf/rota/internal/models"
)

var jsonOut bool

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(ui.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseWhen accepts the API's timestamp formats plus a bare date, which
// means local midnight.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	ts, err := models.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Time, nil
}

// parseWindow parses optional --start/--end values.
func parseWindow(start, end string) (from, to time.Time, err error) {
	if start != "" {
		if from, err = parseWhen(start); err != nil {
			return from, to, fmt.Errorf("--start: %w", err)
		}
	}
	if end != "" {
		if to, err = parseWhen(end); err != nil {
			return from, to, fmt.Errorf("--end: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return from, to, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// signalContext is cancelled on the platform's shutdown signals.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), shutdownSignals()...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
