package common

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"custodial-ledger-go/internal/models"
)

const (
	// Default separator widths
	DefaultWidth = 80
	WideWidth    = 100
)

// PrintSeparator prints a separator line with the specified character and width
func PrintSeparator(char string, width int) {
	fmt.Println(strings.Repeat(char, width))
}

// PrintSeparatorNewline prints a separator with a newline before it
func PrintSeparatorNewline(char string, width int) {
	fmt.Println("\n" + strings.Repeat(char, width))
}

// PrintHeader prints a formatted header with title and separators
func PrintHeader(title string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(title)
	PrintSeparator("=", width)
}

// PrintFooter prints a formatted footer with message and separators
func PrintFooter(message string, width int) {
	PrintSeparatorNewline("=", width)
	fmt.Println(message)
	fmt.Println(strings.Repeat("=", width) + "\n")
}

// BoxSeparator returns a box-drawing sub-section line, labelled when label is set
func BoxSeparator(label string, width int) string {
	head := "├"
	if label != "" {
		head += "─ " + label + " "
	}
	fill := width - utf8.RuneCountInString(head) + 1
	if fill < 1 {
		fill = 1
	}
	return head + strings.Repeat("─", fill)
}

// PrintBoxSeparator prints a box-drawing separator line (for sub-sections)
func PrintBoxSeparator(label string, width int) {
	fmt.Println(BoxSeparator(label, width))
}

// BoxPrefix returns the appropriate box-drawing prefix for list items
func BoxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

// BoxDetailPrefix returns the prefix for detail lines under list items
func BoxDetailPrefix(isLast bool) string {
	if isLast {
		return "   "
	}
	return "│  "
}

// PrintMessages prints the classified messages of an operation response
func PrintMessages(msgs []models.Message) {
	for _, m := range msgs {
		icon := "ℹ"
		switch m.Level {
		case models.LevelWarning:
			icon = "⚠"
		case models.LevelError:
			icon = "✗"
		}
		fmt.Printf("%s [%s] %s\n", icon, m.Code, m.Text)
	}
}

// ShortId truncates long ids for tables
func ShortId(id string) string {
	if id == "" {
		return "none"
	}
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
