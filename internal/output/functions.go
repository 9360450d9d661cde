package output

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tanq16/partdl/internal/session"
	"github.com/tanq16/partdl/internal/utils"
)

// ProgressBar renders percent (0-100) as a bar of the given width.
func ProgressBar(percent float64, width int) string {
	if width <= 0 {
		width = 30
	}
	percent = max(0, min(percent, 100))
	filled := max(0, min(int(percent/100*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return fmt.Sprintf("%s %5.1f%%", bar, percent)
}

// StatusIndicator is the colored symbol shown before a session line.
func StatusIndicator(status session.Status) string {
	switch status {
	case session.StatusDone:
		return successStyle.Render(StyleSymbols["pass"])
	case session.StatusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case session.StatusPaused:
		return warningStyle.Render(StyleSymbols["pause"])
	case session.StatusWaiting:
		return pendingStyle.Render(StyleSymbols["pending"])
	case session.StatusRemoved:
		return debugStyle.Render(StyleSymbols["fail"])
	default:
		return infoStyle.Render(StyleSymbols["arrow"])
	}
}

// ProgressLine describes how far a session got, with a bar when the size is known.
func ProgressLine(info session.Info, barWidth int) string {
	downloaded := utils.FormatBytes(uint64(max(info.Downloaded, 0)))
	speed := utils.FormatSpeed(info.Speed)
	sep := " " + StyleSymbols["bullet"] + " "
	if info.TotalSize < 0 {
		return downloaded + sep + speed
	}
	total := utils.FormatBytes(uint64(info.TotalSize))
	return ProgressBar(info.Progress, barWidth) + sep + downloaded + " / " + total + sep + speed
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}
