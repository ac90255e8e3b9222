package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/neboloop/warden/internal/logging"
)

// LogSink writes the report to the process log. Always available;
// used as the fallback when no other sink is configured.
type LogSink struct{}

// Notify logs the report.
func (LogSink) Notify(r Report) {
	logging.Errorf("%s\n%s", r.Title(), r.Body())
}

// MultiSink fans a report out to several sinks in order.
type MultiSink []Sink

// Notify delivers to every sink; one sink's failure never blocks the rest.
func (m MultiSink) Notify(r Report) {
	for _, s := range m {
		s.Notify(r)
	}
}

// DesktopSink displays a native OS notification.
// Falls back silently if the notification system is unavailable.
type DesktopSink struct{}

// Notify shows the report headline as a desktop notification.
func (DesktopSink) Notify(r Report) {
	title := sanitize(r.Title())
	body := sanitize(r.Body())

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", "-u", "critical", title, body)
	case "windows":
		ps := fmt.Sprintf(`
[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] > $null
$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
$textNodes = $template.GetElementsByTagName('text')
$textNodes.Item(0).AppendChild($template.CreateTextNode('%s')) > $null
$textNodes.Item(1).AppendChild($template.CreateTextNode('%s')) > $null
$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('Warden').Show($toast)
`, title, body)
		cmd = exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", ps)
	default:
		return
	}

	if err := cmd.Run(); err != nil {
		logging.Warnf("notify: desktop notification failed: %v", err)
	}
}

// WebhookSink POSTs the report as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client // optional; a 10s-timeout client is used when nil
}

// Notify delivers the report. Delivery failures are logged and dropped.
func (w WebhookSink) Notify(r Report) {
	if w.URL == "" {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		logging.Warnf("notify: marshal report: %v", err)
		return
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Warnf("notify: webhook delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Warnf("notify: webhook returned %s", resp.Status)
	}
}

// sanitize removes characters that could break shell quoting and keeps
// notifications to a displayable length.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "`", "")
	s = strings.ReplaceAll(s, "\\", "")
	// Single quotes delimit the PowerShell string literals on Windows.
	s = strings.ReplaceAll(s, "'", "")
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
