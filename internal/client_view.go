package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
)

var (
	appTitleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle        = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 1).MarginTop(1)
	chatHeaderStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	connectedStyle      = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle     = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle          = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1).MarginTop(1)
	inputBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle       = lipgloss.NewStyle().Bold(true)
	activeUserStyle     = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	dividerStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	friendSelectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	friendItemStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	userColorPalette    = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthEmail, modeAuthPassword:
		return model.renderAuthPromptView()
	case modeUsers:
		return model.renderUsersView()
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("ChatRelay")
	subtitle := subtitleStyle.Render("Direct messages with live presence, from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}
	sections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	sections = model.appendStatus(sections, "Working…")
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	var hint string
	switch model.mode {
	case modeAuthUsername:
		hint = "Pick a username (3-20 characters)"
	case modeAuthEmail:
		hint = "Enter your email"
	default:
		hint = "Enter your password"
	}
	sections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	sections = model.appendStatus(sections, "Working…")
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderUsersView() string {
	onlineCount := lo.CountBy(model.users, func(u clientUser) bool { return model.online[u.ID] })
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.self.Username))
	subtitle := subtitleStyle.Render(fmt.Sprintf("Users online: %d of %d  |  %s", onlineCount, len(model.users), model.connectionStatus()))

	sections := []string{title, subtitle}
	sections = model.appendStatus(sections, "Loading…")

	var lines []string
	if len(model.users) == 0 {
		lines = append(lines, menuHintStyle.Render("Nobody else has signed up yet. Press R to refresh."))
	}
	for idx, user := range model.users {
		label := fmt.Sprintf("%s %s", presenceDot(model.online[user.ID]), user.Username)
		if model.typing[user.ID] {
			label += systemMessageStyle.Render("  typing…")
		}
		if idx == model.selected {
			lines = append(lines, friendSelectedStyle.Render("➤ "+label))
		} else {
			lines = append(lines, friendItemStyle.Render("  "+label))
		}
	}
	sections = append(sections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	sections = append(sections, menuHintStyle.Render("↑/↓ select • Enter chat • R refresh • L logout • Q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderChatView() string {
	peerName := ""
	if model.peer != nil {
		peerName = model.peer.Username
	}
	headerSegments := []string{
		"ChatRelay",
		fmt.Sprintf("Chat with %s", peerName),
		fmt.Sprintf("User %s", model.self.Username),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	status := model.connectionStatus()
	if model.peer != nil {
		if model.typing[model.peer.ID] {
			status += "  " + systemMessageStyle.Render(peerName+" is typing…")
		} else if model.online[model.peer.ID] {
			status += "  " + presenceDot(true) + " online"
		}
	}

	sections := []string{header, status}
	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		messageBoxStyle.Render(model.viewport.View()),
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render("Enter send • /edit <text> edits your last message • /delete removes it • Esc back"),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) appendStatus(sections []string, loadingText string) []string {
	if model.loading {
		sections = append(sections, connectingStyle.Render(loadingText))
	}
	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}
	return sections
}

func (model *TUIModel) connectionStatus() string {
	switch {
	case model.isConnected:
		return connectedStyle.Render("Connected")
	case model.connectionError != nil:
		return errorStyle.Render("Connection error: " + model.connectionError.Error())
	default:
		return connectingStyle.Render("Connecting…")
	}
}

// refreshViewport re-renders the conversation into the scrollable viewport.
func (model *TUIModel) refreshViewport() {
	if len(model.lines) == 0 {
		model.viewport.SetContent(systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
		return
	}
	rendered := lo.Map(model.lines, func(line chatLine, _ int) string { return model.renderChatLine(line) })
	model.viewport.SetContent(strings.Join(rendered, "\n"))
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderSystemNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	notices := lo.Map(model.notices, func(n string, _ int) string { return systemMessageStyle.Render(n) })
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

func (model *TUIModel) renderChatLine(line chatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.At.Local().Format("15:04:05")))
	name := model.self.Username
	nameStyle := activeUserStyle
	if !line.FromSelf && model.peer != nil {
		name = model.peer.Username
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(name))
	}
	body := messageBodyStyle.Render(strings.ReplaceAll(line.Text, "\n", "\n   "))
	if line.Edited {
		body += timestampStyle.Render(" (edited)")
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(name), ": ", body)
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
