package internal

import (
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"chatrelay/internal/messaging"
	"chatrelay/internal/presence"
)

type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	disconnectedMsg  struct {
		conn *websocket.Conn
		err  error
	}
	reconnectMsg struct{}
	wsEventMsg   presence.Frame
	authDoneMsg  struct {
		resp *loginResponse
		err  error
	}
	usersMsg struct {
		users []userDTO
		err   error
	}
	historyMsg struct {
		peerID  string
		history []messaging.HistoryEntry
		err     error
	}
	sentMsg struct {
		msg messaging.Message
		err error
	}
	editedMsg struct {
		msg messaging.Message
		err error
	}
	deletedMsg struct {
		id  string
		err error
	}
	typingTimeoutMsg struct{ seq int }
	frameErrMsg      struct{ err error }
	loggedOutMsg     struct{}
)

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *TUIModel) connectCmd() tea.Cmd {
	wsURL, token := model.wsURL, model.token
	return func() tea.Msg {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readOnceCmd blocks for the next server frame. Update re-arms it after
// every event.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: fmt.Errorf("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return disconnectedMsg{conn: conn, err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			frame, err := presence.DecodeFrame(payload)
			if err != nil {
				continue
			}
			return wsEventMsg(frame)
		}
	}
}

// sendFrameCmd writes a client frame. Presence frames are fire and forget.
func (model *TUIModel) sendFrameCmd(name string, data any) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return nil
		}
		model.writeMutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteJSON(presence.Event{Type: presence.EventType(name), Data: data})
		model.writeMutex.Unlock()
		if err != nil {
			return frameErrMsg{err: err}
		}
		return nil
	}
}

func (model *TUIModel) announceCmd() tea.Cmd {
	return tea.Sequence(
		model.sendFrameCmd(presence.FrameAnnounce, presence.AnnounceData{UserID: model.self.ID}),
		model.sendFrameCmd(presence.FrameQueryOnline, struct{}{}),
	)
}

func (model *TUIModel) typingCmd(start bool) tea.Cmd {
	if model.peer == nil {
		return nil
	}
	name := presence.FrameTypingStop
	if start {
		name = presence.FrameTypingStart
	}
	return model.sendFrameCmd(name, presence.TypingData{To: model.peer.ID})
}

func (model *TUIModel) typingTimeoutCmd() tea.Cmd {
	seq := model.typingSeq
	return tea.Tick(typingTimeout, func(time.Time) tea.Msg {
		return typingTimeoutMsg{seq: seq}
	})
}

func (model *TUIModel) loginCmd(email, password string) tea.Cmd {
	api := model.api
	return func() tea.Msg {
		resp, err := api.Login(email, password)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) signupCmd(username, email, password string) tea.Cmd {
	api := model.api
	return func() tea.Msg {
		if err := api.Register(username, email, password); err != nil {
			return authDoneMsg{err: err}
		}
		resp, err := api.Login(email, password)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) logoutCmd() tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		_ = api.Logout(token)
		return loggedOutMsg{}
	}
}

func (model *TUIModel) loadUsersCmd() tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		users, err := api.Users(token)
		return usersMsg{users: users, err: err}
	}
}

func (model *TUIModel) loadHistoryCmd(peerID string) tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		history, err := api.History(token, peerID)
		return historyMsg{peerID: peerID, history: history, err: err}
	}
}

func (model *TUIModel) sendMessageCmd(to, text string) tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		msg, err := api.SendMessage(token, to, text)
		return sentMsg{msg: msg, err: err}
	}
}

func (model *TUIModel) editMessageCmd(id, text string) tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		msg, err := api.EditMessage(token, id, text)
		return editedMsg{msg: msg, err: err}
	}
}

func (model *TUIModel) deleteMessageCmd(id string) tea.Cmd {
	api, token := model.api, model.token
	return func() tea.Msg {
		return deletedMsg{id: id, err: api.DeleteMessage(token, id)}
	}
}

// RunClient starts the bubbletea program against baseURL.
func RunClient(baseURL, wsPath, username string) error {
	model, err := NewTUIModel(baseURL, wsPath, username)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	model.closeWebsocket()
	return err
}

func (model *TUIModel) closeWebsocket() {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
	model.isConnected = false
}
