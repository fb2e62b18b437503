package escalation

import (
	"strconv"
	"strings"
	"time"
)

const defaultTemplate = "Order #{order_id} has been waiting for {elapsed_time} (reminder {notification_count})."

// renderTemplate fills the operator-configured message template.
// Supported placeholders: {order_id}, {elapsed_time},
// {notification_count}.
func renderTemplate(tpl string, orderID int64, elapsed time.Duration, count int) string {
	r := strings.NewReplacer(
		"{order_id}", strconv.FormatInt(orderID, 10),
		"{elapsed_time}", formatElapsed(elapsed),
		"{notification_count}", strconv.Itoa(count),
	)
	return r.Replace(tpl)
}

// formatElapsed renders a duration the way an operator reads it:
// "25m", "1h10m", "1h". Sub-minute values keep the default formatting.
func formatElapsed(d time.Duration) string {
	if d < time.Minute {
		return d.String()
	}
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	switch {
	case h > 0 && m > 0:
		return strconv.FormatInt(int64(h), 10) + "h" + strconv.FormatInt(int64(m), 10) + "m"
	case h > 0:
		return strconv.FormatInt(int64(h), 10) + "h"
	default:
		return strconv.FormatInt(int64(m), 10) + "m"
	}
}
