package notification

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// Subject короткий однострочный заголовок уведомления.
// Управляющие символы из имени правила заменяются пробелами.
func Subject(rule models.AlertRule, nctx models.NotificationContext) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(nctx.Severity)), singleLine(rule.Name))
}

func singleLine(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// Format единый текст уведомления для всех каналов
func Format(rule models.AlertRule, nctx models.NotificationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s=%s threshold=%s window=%dm",
		Subject(rule, nctx), rule.Metric, formatValue(nctx.Value), formatValue(nctx.Threshold), rule.TimeWindowMinutes)
	if rule.EventTypeFilter != "" {
		fmt.Fprintf(&b, " event_type=%s", rule.EventTypeFilter)
	}
	fmt.Fprintf(&b, " condition=%s", rule.ConditionType)

	keys := make([]string, 0, len(nctx.Details))
	for k := range nctx.Details {
		switch k {
		case "metric", "condition", "window_minutes", "event_type":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, nctx.Details[k])
	}
	if !nctx.TriggeredAt.IsZero() {
		fmt.Fprintf(&b, " at=%s", nctx.TriggeredAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return b.String()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
