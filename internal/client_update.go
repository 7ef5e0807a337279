package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/samber/lo"

	"chatrelay/internal/presence"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tea.WindowSizeMsg:
		model.width, model.height = msg.Width, msg.Height
		model.viewport.Width = lo.Max([]int{msg.Width - 4, 20})
		model.viewport.Height = lo.Max([]int{msg.Height - 10, 5})
		model.refreshViewport()
		return model, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(msg)
		case modeAuthUsername, modeAuthEmail, modeAuthPassword:
			return model.updateAuthPrompt(msg)
		case modeUsers:
			return model.updateUsers(msg)
		case modeChat:
			return model.updateChat(msg)
		}
		return model, nil

	case authDoneMsg:
		model.loading = false
		if msg.err != nil {
			model.addNotice(msg.err.Error())
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}
		model.token = msg.resp.Token
		model.self = clientUser{ID: msg.resp.User.ID, Username: msg.resp.User.Username}
		if err := saveSessionToDisk(model.sessionPath, sessionFile{UserID: model.self.ID, Username: model.self.Username, Token: model.token}); err != nil {
			model.addNotice("could not save session: " + err.Error())
		}
		model.mode = modeUsers
		model.loading = true
		model.textInput.Blur()
		return model, tea.Batch(model.loadUsersCmd(), model.connectCmd())

	case usersMsg:
		model.loading = false
		if msg.err != nil {
			return model, model.handleAPIError(msg.err)
		}
		model.users = lo.Map(msg.users, func(u userDTO, _ int) clientUser {
			if u.Online != nil {
				model.online[u.ID] = *u.Online
			}
			return clientUser{ID: u.ID, Username: u.Username}
		})
		if model.selected >= len(model.users) {
			model.selected = lo.Max([]int{len(model.users) - 1, 0})
		}
		return model, nil

	case historyMsg:
		model.loading = false
		if msg.err != nil {
			return model, model.handleAPIError(msg.err)
		}
		if model.peer == nil || model.peer.ID != msg.peerID {
			return model, nil
		}
		model.lines = model.lines[:0]
		for _, entry := range msg.history {
			model.lines = append(model.lines, chatLine{
				ID:       entry.ID,
				FromSelf: entry.FromSelf,
				Text:     entry.Text,
				At:       entry.CreatedAt,
				Edited:   entry.EditedAt != nil,
			})
		}
		model.refreshViewport()
		model.viewport.GotoBottom()
		return model, nil

	case sentMsg:
		if msg.err != nil {
			return model, model.handleAPIError(msg.err)
		}
		if model.peer != nil && model.peer.ID == msg.msg.To {
			model.lines = append(model.lines, chatLine{ID: msg.msg.ID, FromSelf: true, Text: msg.msg.Text, At: msg.msg.CreatedAt})
			model.refreshViewport()
			model.viewport.GotoBottom()
		}
		return model, nil

	case editedMsg:
		if msg.err != nil {
			return model, model.handleAPIError(msg.err)
		}
		model.applyEdit(msg.msg.ID, msg.msg.Text)
		return model, nil

	case deletedMsg:
		if msg.err != nil {
			return model, model.handleAPIError(msg.err)
		}
		model.applyDelete(msg.id)
		return model, nil

	case loggedOutMsg:
		model.resetSession("Logged out.")
		return model, nil

	case connectedMsg:
		if model.token == "" {
			_ = msg.conn.Close()
			return model, nil
		}
		model.websocketConn = msg.conn
		model.isConnected = true
		model.connectionError = nil
		return model, tea.Batch(model.announceCmd(), model.readOnceCmd())

	case connectFailedMsg:
		model.connectionError = msg.err
		if model.token == "" {
			return model, nil
		}
		return model, model.scheduleReconnect()

	case disconnectedMsg:
		if msg.conn != model.websocketConn {
			return model, nil
		}
		model.websocketConn = nil
		model.isConnected = false
		model.connectionError = msg.err
		model.typing = make(map[string]bool)
		if model.token == "" {
			return model, nil
		}
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.token != "" && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case wsEventMsg:
		model.applyEvent(presence.Frame(msg))
		return model, model.readOnceCmd()

	case typingTimeoutMsg:
		if model.typingActive && msg.seq == model.typingSeq {
			model.typingActive = false
			return model, model.typingCmd(false)
		}
		return model, nil

	case frameErrMsg:
		model.connectionError = msg.err
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateAuthMenu(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "1", "l", "L":
		model.authIntent = authIntentLogin
		model.mode = modeAuthEmail
		return model, model.prompt("email", false)
	case "2", "s", "S":
		model.authIntent = authIntentSignup
		model.mode = modeAuthUsername
		cmd := model.prompt("username", false)
		model.textInput.SetValue(model.draftUsername)
		return model, cmd
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) updateAuthPrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		model.mode = modeAuthMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(model.textInput.Value())
		if value == "" {
			return model, nil
		}
		switch model.mode {
		case modeAuthUsername:
			model.draftUsername = value
			model.mode = modeAuthEmail
			return model, model.prompt("email", false)
		case modeAuthEmail:
			model.draftEmail = value
			model.mode = modeAuthPassword
			return model, model.prompt("password", true)
		default:
			model.loading = true
			model.textInput.SetValue("")
			if model.authIntent == authIntentSignup {
				return model, model.signupCmd(model.draftUsername, model.draftEmail, value)
			}
			return model, model.loginCmd(model.draftEmail, value)
		}
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(msg)
	return model, cmd
}

func (model *TUIModel) updateUsers(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if model.selected > 0 {
			model.selected--
		}
	case "down", "j":
		if model.selected < len(model.users)-1 {
			model.selected++
		}
	case "enter":
		if len(model.users) == 0 {
			return model, nil
		}
		peer := model.users[model.selected]
		model.peer = &peer
		model.lines = nil
		model.mode = modeChat
		model.loading = true
		model.refreshViewport()
		return model, tea.Batch(model.prompt("message", false), model.loadHistoryCmd(peer.ID))
	case "r", "R":
		model.loading = true
		return model, model.loadUsersCmd()
	case "L":
		model.loading = true
		return model, model.logoutCmd()
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		return model, model.leaveChat()
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		model.viewport, cmd = model.viewport.Update(msg)
		return model, cmd
	case tea.KeyEnter:
		text := strings.TrimSpace(model.textInput.Value())
		if text == "" || model.peer == nil {
			return model, nil
		}
		model.textInput.SetValue("")
		stop := model.stopTyping()
		switch {
		case text == "/leave":
			return model, model.leaveChat()
		case text == "/delete":
			idx := model.lastOwnLine()
			if idx < 0 {
				model.addNotice("nothing to delete")
				return model, stop
			}
			return model, tea.Batch(stop, model.deleteMessageCmd(model.lines[idx].ID))
		case strings.HasPrefix(text, "/edit "):
			idx := model.lastOwnLine()
			newText := strings.TrimSpace(strings.TrimPrefix(text, "/edit "))
			if idx < 0 || newText == "" {
				model.addNotice("nothing to edit")
				return model, stop
			}
			return model, tea.Batch(stop, model.editMessageCmd(model.lines[idx].ID, newText))
		}
		return model, tea.Batch(stop, model.sendMessageCmd(model.peer.ID, text))
	}

	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(msg)
	if model.textInput.Value() == "" {
		return model, tea.Batch(cmd, model.stopTyping())
	}
	model.typingSeq++
	cmds := []tea.Cmd{cmd, model.typingTimeoutCmd()}
	if !model.typingActive {
		model.typingActive = true
		cmds = append(cmds, model.typingCmd(true))
	}
	return model, tea.Batch(cmds...)
}

func (model *TUIModel) stopTyping() tea.Cmd {
	if !model.typingActive {
		return nil
	}
	model.typingActive = false
	model.typingSeq++
	return model.typingCmd(false)
}

func (model *TUIModel) leaveChat() tea.Cmd {
	stop := model.stopTyping()
	model.peer = nil
	model.lines = nil
	model.mode = modeUsers
	model.textInput.Blur()
	return stop
}

// applyEvent folds one server frame into the model.
func (model *TUIModel) applyEvent(frame presence.Frame) {
	switch presence.EventType(frame.Event) {
	case presence.EventOnlineUsers:
		var ids []string
		if err := json.Unmarshal(frame.Data, &ids); err != nil {
			return
		}
		model.online = lo.SliceToMap(ids, func(id string) (string, bool) { return id, true })
	case presence.EventUserOnline, presence.EventUserOffline:
		var p presence.UserPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		online := frame.Event == string(presence.EventUserOnline)
		model.online[p.UserID] = online
		if !online {
			delete(model.typing, p.UserID)
		}
	case presence.EventTypingStart, presence.EventTypingStop:
		var p presence.TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		model.typing[p.From] = frame.Event == string(presence.EventTypingStart)
	case presence.EventMessageReceived:
		var p presence.MessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		delete(model.typing, p.From)
		if model.peer != nil && p.From == model.peer.ID {
			if lo.ContainsBy(model.lines, func(l chatLine) bool { return l.ID == p.ID }) {
				return
			}
			model.lines = append(model.lines, chatLine{ID: p.ID, Text: p.Text, At: p.CreatedAt})
			model.refreshViewport()
			model.viewport.GotoBottom()
			return
		}
		model.addNotice(fmt.Sprintf("New message from %s", model.usernameFor(p.From)))
	case presence.EventMessageEdited:
		var p presence.MessageEditedPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		model.applyEdit(p.MessageID, p.NewText)
	case presence.EventMessageDeleted:
		var p presence.MessageDeletedPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		model.applyDelete(p.MessageID)
	case presence.EventError:
		var p presence.ErrorPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		model.addNotice(fmt.Sprintf("server: %s (%s)", p.Message, p.Code))
	}
}

func (model *TUIModel) applyEdit(id, text string) {
	for i := range model.lines {
		if model.lines[i].ID == id {
			model.lines[i].Text = text
			model.lines[i].Edited = true
			model.refreshViewport()
			return
		}
	}
}

func (model *TUIModel) applyDelete(id string) {
	before := len(model.lines)
	model.lines = lo.Reject(model.lines, func(l chatLine, _ int) bool { return l.ID == id })
	if len(model.lines) != before {
		model.refreshViewport()
	}
}

func (model *TUIModel) handleAPIError(err error) tea.Cmd {
	if errors.Is(err, errUnauthorized) {
		model.resetSession(err.Error())
		return nil
	}
	model.addNotice(err.Error())
	return nil
}

// resetSession forgets the token and returns to the auth menu.
func (model *TUIModel) resetSession(notice string) {
	model.closeWebsocket()
	_ = deleteSessionFile(model.sessionPath)
	model.token = ""
	model.self = clientUser{}
	model.users = nil
	model.peer = nil
	model.lines = nil
	model.online = make(map[string]bool)
	model.typing = make(map[string]bool)
	model.typingActive = false
	model.loading = false
	model.mode = modeAuthMenu
	model.textInput.Blur()
	model.addNotice(notice)
}
