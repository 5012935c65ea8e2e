package warmup

import "github.com/gen2brain/beeep"

// DesktopNotifier shows job summaries as desktop notifications.
func DesktopNotifier(title, message string) error {
	return beeep.Notify(title, message, "")
}
