package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/dnslin/notevault/core/model"
	"github.com/dnslin/notevault/core/storage"
)

var (
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	modeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	dirStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135"))
)

// outputFormat 支持 text、json、yaml。
type outputFormat string

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", "text":
		return "text", nil
	case "json", "yaml":
		return f, nil
	default:
		return "", fmt.Errorf("不支持的输出格式 %q（可选 text、json、yaml）", s)
	}
}

// writeStructured 以 json 或 yaml 输出任意值。
func writeStructured(w io.Writer, format outputFormat, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("不支持的输出格式 %q", format)
}

func printModeInfo(w io.Writer, info storage.ModeInfo) {
	mode := string(info.Mode)
	if mode == "" {
		mode = "未配置"
	}
	fmt.Fprintf(w, "%s %s", labelStyle.Render("模式"), modeStyle.Render(mode))
	if info.Label != "" {
		fmt.Fprintf(w, " %s", dimStyle.Render("("+info.Label+")"))
	}
	fmt.Fprintln(w)
	if info.Description != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("说明"), info.Description)
	}
	if info.Location != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("位置"), info.Location)
	}
	if info.Security != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("安全"), warnStyle.Render(info.Security))
	}
	state := warnStyle.Render("未就绪")
	if info.Configured {
		state = okStyle.Render("就绪")
	}
	fmt.Fprintf(w, "%s %s", labelStyle.Render("状态"), state)
	if info.Offline {
		fmt.Fprintf(w, " %s", dimStyle.Render("离线可用"))
	}
	fmt.Fprintln(w)
	if len(info.Capabilities) > 0 {
		caps := make([]string, 0, len(info.Capabilities))
		for _, c := range info.Capabilities {
			caps = append(caps, string(c))
		}
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("能力"), strings.Join(caps, ", "))
	}
}

func printEntries(w io.Writer, entries []model.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("（空）"))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintln(w, dirStyle.Render(e.Name+"/"))
			continue
		}
		fmt.Fprintf(w, "%-40s %8d  %s\n", e.Name, e.Size, dimStyle.Render(shortSHA(e.SHA)))
	}
}

func printCommits(w io.Writer, commits []model.Commit) {
	if len(commits) == 0 {
		fmt.Fprintln(w, dimStyle.Render("（无记录）"))
		return
	}
	for _, c := range commits {
		date := ""
		if !c.Date.IsZero() {
			date = c.Date.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			okStyle.Render(shortSHA(c.SHA)),
			dimStyle.Render(date),
			c.Author,
			firstLine(c.Message))
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
