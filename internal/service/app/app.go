package app

import (
	"context"
	"crypto/rsa"
	"fmt"
	"strconv"
	"strings"

	"sealed_chat/internal/model"
	"sealed_chat/internal/timeline"
	"sealed_chat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const help = "/reply N text  /edit N text  /delete N  /forward N chat#  /older  /jump ID  /chat N  /new group|channel|direct name user...  /quit"

type (
	App struct {
		app     *tview.Application
		chats   *tview.List
		chatbox *tview.TextView
		input   *tview.InputField
		status  *tview.TextView

		api     *API
		socket  *Socket
		session *Session
		user    model.User

		// chat list order, owned by the UI loop
		chatIDs []string
	}
)

func NewApp(api *API, user model.User) *App {
	return &App{
		app:  tview.NewApplication(),
		api:  api,
		user: user,
	}
}

// Run connects the socket and blocks until the UI exits.
func (c *App) Run(ctx context.Context, priv *rsa.PrivateKey, openChatID string) error {
	socket, err := Dial(ctx, c.api.Host(), c.api.Token())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.socket = socket
	defer c.socket.Close()

	c.session = NewSession(c.user.ID, priv, c.api, socket, c, func(f func()) { c.app.QueueUpdateDraw(f) })
	defer c.session.Close()

	c.renderUI()

	go func() {
		err := c.socket.Listen(c.session.HandleEvent)
		log.Info("socket closed", zap.Error(err))
		c.app.QueueUpdateDraw(func() { c.Notice("disconnected from server") })
	}()

	c.session.RefreshChats()
	if openChatID != "" {
		c.session.OpenChat(openChatID)
	}

	return c.app.Run()
}

func (c *App) renderUI() {
	c.chats = tview.NewList().ShowSecondaryText(true)
	c.chats.SetBorder(true).SetTitle(" Chats ")
	c.chats.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		if i < len(c.chatIDs) {
			c.session.OpenChat(c.chatIDs[i])
			c.app.SetFocus(c.input)
		}
	})

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	c.chatbox.SetBorder(true).SetTitle(" No chat open ")

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.status.SetText("[gray]" + help)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", c.user.Name))

	c.input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := strings.TrimSpace(c.input.GetText())
			if text == "" {
				return
			}
			c.input.SetText("")
			c.submit(text)
		case tcell.KeyTab:
			c.app.SetFocus(c.chats)
		}
	})
	c.chats.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			c.app.SetFocus(c.input)
			return nil
		}
		return ev
	})
	c.chatbox.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyHome {
			c.session.LoadOlder()
		}
		return ev
	})

	main := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	layout := tview.NewFlex().
		AddItem(c.chats, 30, 0, false).
		AddItem(main, 0, 1, true)

	c.app.SetRoot(layout, true).SetFocus(c.input)
}

func (c *App) submit(text string) {
	if !strings.HasPrefix(text, "/") {
		c.session.SendText(text, -1)
		return
	}

	cmd, rest, _ := strings.Cut(text, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "/reply":
		idx, body, ok := indexed(rest)
		if !ok {
			c.Notice("usage: /reply N text")
			return
		}
		c.session.SendText(body, idx)
	case "/edit":
		idx, body, ok := indexed(rest)
		if !ok {
			c.Notice("usage: /edit N text")
			return
		}
		c.session.Edit(idx, body)
	case "/delete":
		if idx, ok := index(args, 0); ok {
			c.session.Delete(idx)
		}
	case "/forward":
		idx, ok := index(args, 0)
		target, ok2 := index(args, 1)
		if !ok || !ok2 || target >= len(c.chatIDs) {
			c.Notice("usage: /forward N chat#")
			return
		}
		c.session.Forward(idx, c.chatIDs[target])
	case "/older":
		c.session.LoadOlder()
	case "/jump":
		if len(args) != 1 {
			c.Notice("usage: /jump ID")
			return
		}
		c.session.Jump(args[0])
	case "/chat":
		if i, ok := index(args, 0); ok && i < len(c.chatIDs) {
			c.session.OpenChat(c.chatIDs[i])
		}
	case "/new":
		c.newChat(args)
	case "/quit":
		c.app.Stop()
	default:
		c.Notice(help)
	}
}

// newChat resolves member names to ids off the UI loop and creates the chat.
func (c *App) newChat(args []string) {
	if len(args) < 2 {
		c.Notice("usage: /new group|channel|direct name user...")
		return
	}
	typ := model.ChatType(strings.ToUpper(args[0]))
	if !typ.Valid() {
		c.Notice("unknown chat type " + args[0])
		return
	}
	name, members := args[1], args[2:]
	if typ == model.ChatDirect {
		name, members = "", args[1:]
	}

	go func() {
		ctx := context.Background()
		req := model.CreateChatRequest{Type: typ, Name: name}
		for _, m := range members {
			key, err := c.api.PublicKeyByName(ctx, m)
			if err != nil {
				c.app.QueueUpdateDraw(func() { c.Notice(fmt.Sprintf("lookup %s: %v", m, err)) })
				return
			}
			req.ParticipantIDs = append(req.ParticipantIDs, key.UserID)
		}
		chat, err := c.api.CreateChat(ctx, req)
		c.app.QueueUpdateDraw(func() {
			if err != nil {
				c.Notice("create chat: " + err.Error())
				return
			}
			c.session.RefreshChats()
			c.session.OpenChat(chat.ID)
		})
	}()
}

// Render implements View.
func (c *App) Render(s timeline.State, res timeline.Result) {
	row, _ := c.chatbox.GetScrollOffset()
	atEnd := res.Shift == 0 && res.Found < 0

	c.chatbox.Clear()
	c.chatbox.SetTitle(fmt.Sprintf(" %s ", c.chatTitle(s.ChatID())))
	w := c.chatbox.BatchWriter()
	if s.HasMore() {
		fmt.Fprintln(w, "[gray]-- /older for earlier messages --[-]")
	}
	for i, e := range s.Entries() {
		fmt.Fprintln(w, c.line(i, e))
	}
	w.Close()

	header := 0
	if s.HasMore() {
		header = 1
	}
	switch {
	case res.Found >= 0:
		c.chatbox.ScrollTo(res.Found+header, 0)
	case res.Shift > 0:
		c.chatbox.ScrollTo(row+res.Shift, 0)
	case atEnd:
		c.chatbox.ScrollToEnd()
	}
}

func (c *App) line(i int, e timeline.Entry) string {
	name := "[green]" + tview.Escape(c.session.Name(e.SenderID))
	if e.SenderID == c.user.ID {
		name = "[yellow]You"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[gray]%3d %s[-] %s:[-] ", i, e.CreatedAt.Local().Format("15:04"), name)
	if e.ReplyToID != "" {
		fmt.Fprintf(&b, "[blue]>%s[-] ", e.ReplyToID)
	}
	if e.IsForwarded {
		b.WriteString("[blue](forwarded)[-] ")
	}
	switch {
	case e.IsDeleted || e.IsError:
		fmt.Fprintf(&b, "[gray]%s[-]", tview.Escape(e.Text))
	default:
		b.WriteString(tview.Escape(e.Text))
	}
	if e.IsEdited && !e.IsDeleted {
		b.WriteString(" [gray](edited)[-]")
	}
	switch e.Status {
	case timeline.StatusPending:
		b.WriteString(" [gray](sending)[-]")
	case timeline.StatusFailed:
		b.WriteString(" [red](failed)[-]")
	}
	return b.String()
}

// RenderChats implements View.
func (c *App) RenderChats(chats []model.ChatSummary) {
	current := c.chats.GetCurrentItem()
	c.chats.Clear()
	c.chatIDs = c.chatIDs[:0]
	for i, sum := range chats {
		title := fmt.Sprintf("%d %s", i, chatLabel(sum.Chat))
		if sum.Unread {
			title = "[red]*[-] " + title
		}
		c.chats.AddItem(title, string(sum.Chat.Type), 0, nil)
		c.chatIDs = append(c.chatIDs, sum.Chat.ID)
	}
	if current < len(chats) {
		c.chats.SetCurrentItem(current)
	}
}

// Notice implements View.
func (c *App) Notice(msg string) {
	c.status.SetText("[red]" + tview.Escape(msg))
}

func (c *App) chatTitle(chatID string) string {
	for i, id := range c.chatIDs {
		if id == chatID {
			main, _ := c.chats.GetItemText(i)
			return main
		}
	}
	return chatID
}

func chatLabel(chat model.Chat) string {
	if chat.Name != "" {
		return chat.Name
	}
	return strings.ToLower(string(chat.Type)) + " " + chat.ID
}

func index(args []string, i int) (int, bool) {
	if i >= len(args) {
		return 0, false
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// indexed splits "N text" into its index and body.
func indexed(s string) (int, string, bool) {
	head, body, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0, "", false
	}
	body = strings.TrimSpace(body)
	return n, body, body != ""
}
