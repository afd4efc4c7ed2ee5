package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/model"
	"github.com/go-go-golems/chatsync/pkg/parts"
)

// printer serializes output written from hooks and from the command
// goroutine.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]int64
	name func(userID string) string
}

func newPrinter(out io.Writer, name func(string) string) *printer {
	return &printer{out: out, last: map[string]int64{}, name: name}
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

// message prints m unless a message with the same or a later id was already
// printed for the room.
func (p *printer) message(m model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.ID <= p.last[m.RoomID] {
		return
	}
	p.last[m.RoomID] = m.ID
	_, _ = fmt.Fprintf(p.out, "[%s] #%d %s: %s\n",
		m.CreatedAt.Local().Format("15:04:05"), m.ID, p.name(m.SenderID), renderParts(m.Parts))
}

func renderParts(ps []parts.Part) string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		switch v := p.(type) {
		case parts.Inline:
			out = append(out, v.Content)
		case parts.URL:
			out = append(out, "<"+v.URL+">")
		case *parts.Attachment:
			out = append(out, fmt.Sprintf("[%s %s, %d bytes]", v.Type, v.Name, v.Size))
		}
	}
	return strings.Join(out, " ")
}

// resolveAttachments signs attachment URLs so that tail can show them.
func resolveAttachments(ctx context.Context, p *printer, m model.Message) {
	for _, part := range m.Parts {
		a, ok := part.(*parts.Attachment)
		if !ok {
			continue
		}
		u, err := a.URL(ctx)
		if err != nil {
			p.linef("  %s: %v", a.Name, err)
			continue
		}
		p.linef("  %s: %s", a.Name, u)
	}
}
