package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// TUIModel is the bubbletea model for the terminal client.
type TUIModel struct {
	textInput textinput.Model
	viewport  viewport.Model
	api       *apiClient
	wsURL     string

	// pending credentials while the auth prompts are filled in
	authIntent    authIntent
	draftUsername string
	draftEmail    string

	token       string
	self        clientUser
	sessionPath string

	users    []clientUser
	online   map[string]bool
	selected int

	peer   *clientUser
	lines  []chatLine
	typing map[string]bool

	notices []string

	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error

	typingActive bool
	typingSeq    int

	mode    appMode
	loading bool
	width   int
	height  int
}

type clientUser struct {
	ID       string
	Username string
}

// chatLine is one rendered message in the open conversation.
type chatLine struct {
	ID       string
	FromSelf bool
	Text     string
	At       time.Time
	Edited   bool
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthEmail
	modeAuthPassword
	modeUsers
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

const (
	maxNotices    = 5
	typingTimeout = 3 * time.Second
)

// NewTUIModel builds a client against the server's http base URL.
func NewTUIModel(baseURL, wsPath, username string) (*TUIModel, error) {
	wsURL, err := websocketURL(baseURL, wsPath)
	if err != nil {
		return nil, err
	}
	input := textinput.New()
	input.CharLimit = 4000
	input.Prompt = ""

	model := &TUIModel{
		textInput:     input,
		viewport:      viewport.New(80, 15),
		api:           newAPIClient(baseURL),
		wsURL:         wsURL,
		draftUsername: username,
		online:        make(map[string]bool),
		typing:        make(map[string]bool),
		sessionPath:   defaultSessionPath(),
		mode:          modeAuthMenu,
	}
	if session, err := loadSessionFromDisk(model.sessionPath); err == nil {
		model.token = session.Token
		model.self = clientUser{ID: session.UserID, Username: session.Username}
		model.mode = modeUsers
		model.loading = true
	}
	return model, nil
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeUsers {
		return tea.Batch(model.loadUsersCmd(), model.connectCmd())
	}
	return nil
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

func (model *TUIModel) usernameFor(id string) string {
	if id == model.self.ID {
		return model.self.Username
	}
	for _, u := range model.users {
		if u.ID == id {
			return u.Username
		}
	}
	return id
}

func (model *TUIModel) prompt(placeholder string, secret bool) tea.Cmd {
	model.textInput.SetValue("")
	model.textInput.Placeholder = placeholder
	model.textInput.Prompt = "> "
	model.textInput.EchoMode = textinput.EchoNormal
	if secret {
		model.textInput.EchoMode = textinput.EchoPassword
	}
	return model.textInput.Focus()
}

// lastOwnLine returns the index of the newest message this user sent.
func (model *TUIModel) lastOwnLine() int {
	for i := len(model.lines) - 1; i >= 0; i-- {
		if model.lines[i].FromSelf {
			return i
		}
	}
	return -1
}
