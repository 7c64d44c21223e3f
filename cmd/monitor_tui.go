// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/thermal"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Messages
type statusMsg conn.Status
type notifMsg cooler.Notification
type sampleMsg thermal.Snapshot

type monitorModel struct {
	machine *conn.Machine
	sampler *thermal.Sampler
	sub     <-chan conn.Status
	notifs  <-chan cooler.Notification

	status conn.Status
	snap   thermal.Snapshot

	// Accessory-side telemetry from notify frames
	accessoryTemp float64
	hasAccessTemp bool
	echoSpeed     int
	hasEchoSpeed  bool

	spin     spinner.Model
	width    int
	height   int
	quitting bool
}

func newMonitorModel(machine *conn.Machine, sampler *thermal.Sampler) monitorModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = warnStyle
	return monitorModel{
		machine: machine,
		sampler: sampler,
		sub:     machine.Subscribe(),
		notifs:  machine.Notifications(),
		status:  machine.Status(),
		spin:    sp,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.waitStatus(), m.waitNotif(), m.sample(), m.spin.Tick)
}

func (m monitorModel) waitStatus() tea.Cmd {
	return func() tea.Msg {
		st, ok := <-m.sub
		if !ok {
			return nil
		}
		return statusMsg(st)
	}
}

func (m monitorModel) waitNotif() tea.Cmd {
	return func() tea.Msg {
		n, ok := <-m.notifs
		if !ok {
			return nil
		}
		return notifMsg(n)
	}
}

func (m monitorModel) sample() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return sampleMsg(m.sampler.Sample(context.Background()))
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case statusMsg:
		m.status = conn.Status(msg)
		return m, m.waitStatus()

	case notifMsg:
		n := cooler.Notification(msg)
		switch n.Kind {
		case cooler.NotifyTemperature:
			m.accessoryTemp = n.TempC
			m.hasAccessTemp = true
		case cooler.NotifySpeedEcho:
			m.echoSpeed = n.SpeedPercent
			m.hasEchoSpeed = true
		}
		return m, m.waitNotif()

	case sampleMsg:
		m.snap = thermal.Snapshot(msg)
		return m, m.sample()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("RedMagic Cooler Monitor"))
	b.WriteString("\n\n")

	// Connection section
	var link strings.Builder
	stateLine := stateStyle(m.status).Render(m.status.State.String())
	if m.status.State != conn.StateReady && m.status.State != conn.StateFailed {
		stateLine = m.spin.View() + " " + stateLine
	}
	link.WriteString(labelStyle.Render("State") + stateLine + "\n")
	if m.status.Reason != conn.FailNone {
		link.WriteString(labelStyle.Render("Reason") + errStyle.Render(m.status.Reason.String()) + "\n")
	}
	link.WriteString(labelStyle.Render("Device") + deviceLine(m.status) + "\n")
	link.WriteString(labelStyle.Render("Attempt") + fmt.Sprintf("%d", m.status.Attempt))
	b.WriteString(boxStyle.Render(link.String()))
	b.WriteString("\n")

	// Host thermal section
	var host strings.Builder
	host.WriteString(labelStyle.Render("Max temp") + tempLine(m.snap) + "\n")
	host.WriteString(labelStyle.Render("Severity") + severityStyle(m.snap.Severity).Render(m.snap.Severity.String()) + "\n")
	host.WriteString(labelStyle.Render("Recommended") + fmt.Sprintf("%d%%", m.snap.Recommended))
	b.WriteString(boxStyle.Render(host.String()))
	b.WriteString("\n")

	// Accessory telemetry section
	var acc strings.Builder
	if m.hasAccessTemp {
		acc.WriteString(labelStyle.Render("Accessory") + fmt.Sprintf("%.1f°C", m.accessoryTemp) + "\n")
	} else {
		acc.WriteString(labelStyle.Render("Accessory") + "no telemetry yet\n")
	}
	if m.hasEchoSpeed {
		acc.WriteString(labelStyle.Render("Fan speed") + fmt.Sprintf("%d%%", m.echoSpeed))
	} else {
		acc.WriteString(labelStyle.Render("Fan speed") + "no echo yet")
	}
	b.WriteString(boxStyle.Render(acc.String()))
	b.WriteString("\n\nPress q to quit")

	return b.String()
}

func stateStyle(st conn.Status) lipgloss.Style {
	switch st.State {
	case conn.StateReady:
		return okStyle
	case conn.StateFailed:
		return errStyle
	default:
		return warnStyle
	}
}

func severityStyle(sev thermal.Severity) lipgloss.Style {
	switch sev {
	case thermal.SeveritySafe:
		return okStyle
	case thermal.SeverityWarm:
		return warnStyle
	default:
		return errStyle
	}
}

func deviceLine(st conn.Status) string {
	if st.Identity.Address == "" {
		return "none"
	}
	if st.Identity.Label != "" {
		return fmt.Sprintf("%s (%s)", st.Identity.Label, st.Identity.Address)
	}
	return st.Identity.Address
}

func tempLine(snap thermal.Snapshot) string {
	if snap.MaxSource == "" {
		return "no sensors"
	}
	return fmt.Sprintf("%.1f°C (%s)", snap.MaxTemp, snap.MaxSource)
}
