package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/patchverify/patchverify/pkg/types"
)

var (
	// Style colors
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	success   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFB347"}
	errorClr  = lipgloss.AdaptiveColor{Light: "#FF5555", Dark: "#FF6666"}
	dim       = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}

	// Text styles (no boxes)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(highlight)
	successStyle = lipgloss.NewStyle().Foreground(success)
	warningStyle = lipgloss.NewStyle().Foreground(warning)
	errorStyle   = lipgloss.NewStyle().Foreground(errorClr).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

// ScanPlan describes the scan about to run.
type ScanPlan struct {
	Pair    types.PackageVersionPair
	Sources []string
	Probe   bool
	Sandbox string
}

// RenderScanPlan renders the scan plan with colors.
func RenderScanPlan(plan ScanPlan) string {
	if !isTerminal() {
		return renderScanPlanPlain(plan)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Scan Plan") + "\n")
	b.WriteString("   ")
	b.WriteString(dimStyle.Render("Upgrade: "))
	b.WriteString(boldStyle.Render(plan.Pair.Ecosystem + " " + plan.Pair.Package))
	b.WriteString(" " + plan.Pair.OldVersion + " → ")
	b.WriteString(successStyle.Render(plan.Pair.NewVersion))
	b.WriteString("\n")

	if len(plan.Sources) > 0 {
		b.WriteString("   ")
		b.WriteString(dimStyle.Render("Sources: "))
		b.WriteString(strings.Join(plan.Sources, ", "))
		b.WriteString("\n")
	}
	b.WriteString("   ")
	b.WriteString(dimStyle.Render("Probing: "))
	if plan.Probe {
		b.WriteString(successStyle.Render("enabled (" + plan.Sandbox + ")"))
	} else {
		b.WriteString(warningStyle.Render("disabled"))
	}
	b.WriteString("\n")
	return b.String()
}

func renderScanPlanPlain(plan ScanPlan) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Scanning: %s %s %s -> %s", plan.Pair.Ecosystem, plan.Pair.Package, plan.Pair.OldVersion, plan.Pair.NewVersion))
	if len(plan.Sources) > 0 {
		b.WriteString(fmt.Sprintf(" (sources: %s)", strings.Join(plan.Sources, ", ")))
	}
	if plan.Probe {
		b.WriteString(fmt.Sprintf(" [probe: %s]", plan.Sandbox))
	} else {
		b.WriteString(" [probe: off]")
	}
	b.WriteString("\n")
	return b.String()
}

// RenderReport renders the verdicts and risk of a report with colors.
func RenderReport(report *types.ScanReport) string {
	if !isTerminal() {
		return renderReportPlain(report)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Verdicts") + "\n")
	if len(report.Verdicts) == 0 {
		b.WriteString("   " + dimStyle.Render("no known vulnerabilities affect "+report.OldVersion) + "\n")
	}
	for _, v := range report.Verdicts {
		b.WriteString("   ")
		b.WriteString(formatStatusStyled(v.Status))
		b.WriteString(fmt.Sprintf(" %-20s %3d%%  ", v.CVEID, v.Confidence))
		b.WriteString(dimStyle.Render(sourceList(v.EvidenceSources)))
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render("Risk") + "\n   ")
	b.WriteString(formatRiskStyled(report.RiskCategory, report.RiskScore))
	b.WriteString("\n")
	for _, note := range report.Degradation {
		b.WriteString("   ")
		b.WriteString(warningStyle.Render("! " + note))
		b.WriteString("\n")
	}
	return b.String()
}

func sourceList(sources []types.EvidenceSource) string {
	if len(sources) == 0 {
		return "no evidence"
	}
	s := make([]string, len(sources))
	for i, src := range sources {
		s[i] = string(src)
	}
	return strings.Join(s, "+")
}

func formatStatusStyled(status types.VerdictStatus) string {
	switch status {
	case types.Fixed:
		return successStyle.Render("✓ FIXED      ")
	case types.NotFixed:
		return errorStyle.Render("✗ NOT FIXED  ")
	case types.Unconfirmed:
		return warningStyle.Render("? UNCONFIRMED")
	default:
		return fmt.Sprintf("  %-11s", status)
	}
}

func formatRiskStyled(category types.RiskCategory, score float64) string {
	text := fmt.Sprintf("%.1f / 100 (%s)", score, category)
	switch category {
	case types.RiskCritical, types.RiskHigh:
		return errorStyle.Render(text)
	case types.RiskMedium:
		return warningStyle.Render(text)
	default:
		return successStyle.Render(text)
	}
}

func renderReportPlain(report *types.ScanReport) string {
	var b strings.Builder
	if len(report.Verdicts) == 0 {
		b.WriteString(fmt.Sprintf("No known vulnerabilities affect %s\n", report.OldVersion))
	}
	for _, v := range report.Verdicts {
		b.WriteString(fmt.Sprintf("%s %-20s %-11s %3d%% %s\n", getStatusIcon(v.Status), v.CVEID, v.Status, v.Confidence, sourceList(v.EvidenceSources)))
	}
	b.WriteString(fmt.Sprintf("Risk: %.1f/100 (%s)\n", report.RiskScore, report.RiskCategory))
	for _, note := range report.Degradation {
		b.WriteString(fmt.Sprintf("Degraded: %s\n", note))
	}
	return b.String()
}

func getStatusIcon(status types.VerdictStatus) string {
	switch status {
	case types.Fixed:
		return "✓"
	case types.NotFixed:
		return "✗"
	case types.Unconfirmed:
		return "?"
	default:
		return " "
	}
}

// ErrorInfo contains information about an error to display.
type ErrorInfo struct {
	Title   string
	Message string
	Hint    string
}

// RenderError renders an error message with colors.
func RenderError(info ErrorInfo) string {
	if !isTerminal() {
		return renderErrorPlain(info)
	}

	var b strings.Builder
	b.WriteString(errorStyle.Render(info.Title) + "\n")
	b.WriteString("   ")
	b.WriteString(errorStyle.Render("✗ " + info.Message))
	b.WriteString("\n")

	if info.Hint != "" {
		b.WriteString("   ")
		b.WriteString(dimStyle.Render("Hint: "+info.Hint) + "\n")
	}
	return b.String()
}

func renderErrorPlain(info ErrorInfo) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Error: %s\n", info.Title))
	b.WriteString(fmt.Sprintf("  %s\n", info.Message))
	if info.Hint != "" {
		b.WriteString(fmt.Sprintf("  Hint: %s\n", info.Hint))
	}
	return b.String()
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	// UI output goes to both stdout and stderr depending on call site;
	// styles are enabled when either stream is a TTY.
	return term.IsTerminal(int(os.Stdout.Fd())) || term.IsTerminal(int(os.Stderr.Fd()))
}
