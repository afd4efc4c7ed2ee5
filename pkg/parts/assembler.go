package parts

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/wire"
)

// Assembler builds typed parts from wire parts. Every attachment it creates
// shares the assembler's Resolver.
type Assembler struct {
	resolver Resolver
	now      func() time.Time
}

func NewAssembler(r Resolver) *Assembler {
	return &Assembler{resolver: r, now: time.Now}
}

func (a *Assembler) Assemble(ws []wire.Part) ([]Part, error) {
	ret := make([]Part, 0, len(ws))
	for i, w := range ws {
		p, err := a.assembleOne(w)
		if err != nil {
			return nil, errors.Wrapf(err, "part %d", i)
		}
		ret = append(ret, p)
	}
	return ret, nil
}

func (a *Assembler) assembleOne(w wire.Part) (Part, error) {
	switch {
	case w.Content != nil:
		return Inline{Type: w.Type, Content: *w.Content}, nil
	case w.URL != nil:
		return URL{Type: w.Type, URL: *w.URL}, nil
	case w.Attachment != nil:
		wa := w.Attachment
		if wa.ID == "" {
			return nil, errors.New("attachment without id")
		}
		att := NewAttachment(wa.ID, w.Type, wa.Name, wa.Size, wa.CustomData, a.resolver)
		att.now = a.now
		if wa.DownloadURL != "" && wa.Expiration != nil {
			att.seed(wa.DownloadURL, *wa.Expiration)
		}
		return att, nil
	default:
		return nil, errors.Errorf("part of type %q has no content, url or attachment", w.Type)
	}
}

// Outgoing parts, as passed to SendMultipartMessage.

type SendInline struct {
	Type    string
	Content string
}

type SendURL struct {
	Type string
	URL  string
}

type SendAttachment struct {
	Upload wire.Upload
}

// SendPart is one of SendInline, SendURL or SendAttachment.
type SendPart interface {
	isSendPart()
}

func (SendInline) isSendPart()     {}
func (SendURL) isSendPart()        {}
func (SendAttachment) isSendPart() {}
