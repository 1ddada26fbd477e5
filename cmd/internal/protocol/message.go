package protocol

// InboundMessage is a received chat message, reduced to what the orchestrator reads.
type InboundMessage struct {
	ID       string
	Chat     string // remote JID the reply goes to
	Sender   string // participant JID in groups, Chat otherwise
	FromMe   bool
	PushName string
	Revoked  bool

	Content Content
}

// Content holds the message variants a body can be extracted from.
// At most one of the media fields is normally set.
type Content struct {
	Conversation string
	ExtendedText *ExtendedText
	Image        *Media
	Video        *Media
	Audio        *Media
	Document     *Media
}

// ExtendedText is a text message with context (reply, mention, link preview).
type ExtendedText struct {
	Text   string
	Quoted *Content
}

// MediaKind names a downloadable media variant.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// Media references a downloadable attachment.
type Media struct {
	Kind     MediaKind
	Caption  string
	MimeType string
	URL      string
	Key      []byte
	FileName string
}

// Body returns the first non-empty text of the message: conversation text, extended
// text, then image, video, audio and document captions. A revoked stub has no body.
func (m InboundMessage) Body() string {
	if m.Revoked {
		return ""
	}
	return m.Content.Body()
}

// Body applies the extraction order to c alone.
func (c Content) Body() string {
	candidates := []string{c.Conversation}
	if c.ExtendedText != nil {
		candidates = append(candidates, c.ExtendedText.Text)
	}
	for _, md := range []*Media{c.Image, c.Video, c.Audio, c.Document} {
		if md != nil {
			candidates = append(candidates, md.Caption)
		}
	}
	for _, s := range candidates {
		if s != "" {
			return s
		}
	}
	return ""
}

// Quoted returns the message this one replies to, if any.
func (m InboundMessage) Quoted() *Content {
	if m.Content.ExtendedText == nil {
		return nil
	}
	return m.Content.ExtendedText.Quoted
}

// FirstMedia returns the first media of c among the given kinds, in the given order.
func (c *Content) FirstMedia(kinds ...MediaKind) *Media {
	if c == nil {
		return nil
	}
	for _, k := range kinds {
		var md *Media
		switch k {
		case MediaImage:
			md = c.Image
		case MediaVideo:
			md = c.Video
		case MediaAudio:
			md = c.Audio
		case MediaDocument:
			md = c.Document
		}
		if md != nil {
			cp := *md
			if cp.Kind == "" {
				cp.Kind = k
			}
			return &cp
		}
	}
	return nil
}

// OutboundMessage is a payload the orchestrator asks a client to send.
// Exactly one of Text, Image or Sticker is expected to be set.
type OutboundMessage struct {
	Text     string
	Mentions []string

	Image   *OutboundImage
	Sticker []byte
}

// OutboundImage is an image sent by URL or inline bytes.
type OutboundImage struct {
	URL     string
	Data    []byte
	Caption string
}

// Text builds a plain text payload.
func Text(s string) OutboundMessage {
	return OutboundMessage{Text: s}
}
