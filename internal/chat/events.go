package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/store"
)

// Inbound and outbound event types.
const (
	TypeLogin     = "login"
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypeSystem    = "system"
	TypeError     = "error"
	TypeMessage   = store.KindText
	TypeImage     = store.KindImage
	TypePDF       = store.KindPDF
	TypeEmoji     = store.KindEmoji
)

// Event is the outbound JSON frame. Content-kind events carry the sender,
// room and server timestamp; system and error notices only need Content.
type Event struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	RoomID    uint   `json:"roomId,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	PDFURL    string `json:"pdfUrl,omitempty"`
	PDFName   string `json:"pdfName,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// SystemEvent builds a system notice, room-scoped when roomID is non-zero.
func SystemEvent(roomID uint, content string) Event {
	return Event{Type: TypeSystem, RoomID: roomID, Content: content}
}

// ErrorEvent builds an error notice.
func ErrorEvent(content string) Event {
	return Event{Type: TypeError, Content: content}
}

// MessageEvent renders a persisted message as the event sent to clients.
func MessageEvent(m store.Message) Event {
	ev := Event{
		Type:      m.Kind,
		Username:  m.Sender,
		RoomID:    m.RoomID,
		Content:   m.Content,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	switch m.Kind {
	case store.KindImage:
		ev.ImageURL = m.Content
	case store.KindPDF:
		ev.PDFURL = m.Content
		ev.PDFName = m.FileName
	case store.KindEmoji:
		ev.Emoji = m.Content
	}
	return ev
}

// Post is the payload of a content-kind inbound event.
type Post struct {
	Kind     string
	Content  string
	ImageURL string
	PDFURL   string
	PDFName  string
	Emoji    string
}

// message validates the post for its kind and builds the row to persist.
func (p Post) message(roomID uint, sender string) (store.Message, error) {
	msg := store.Message{RoomID: roomID, Sender: sender, Kind: p.Kind}
	switch p.Kind {
	case store.KindText:
		msg.Content = p.Content
	case store.KindImage:
		msg.Content = p.ImageURL
	case store.KindPDF:
		msg.Content = p.PDFURL
		msg.FileName = p.PDFName
	case store.KindEmoji:
		msg.Content = p.Emoji
		if msg.Content == "" {
			msg.Content = p.Content
		}
	default:
		return msg, protocolErr("Unknown message type: " + p.Kind)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return msg, protocolErr("Message content cannot be empty")
	}
	return msg, nil
}

// inbound is the decoded form of every client frame.
type inbound struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
	RoomID   roomID `json:"roomId"`
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
	PDFURL   string `json:"pdfUrl"`
	PDFName  string `json:"pdfName"`
	Emoji    string `json:"emoji"`
}

func (in inbound) post() Post {
	return Post{
		Kind:     in.Type,
		Content:  in.Content,
		ImageURL: in.ImageURL,
		PDFURL:   in.PDFURL,
		PDFName:  in.PDFName,
		Emoji:    in.Emoji,
	}
}

// roomID accepts a JSON number or a numeric string.
type roomID uint

func (id *roomID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*id = 0
			return nil
		}
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid roomId %s", data)
	}
	*id = roomID(n)
	return nil
}
