package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
)

const timeLayout = "02/01/2006 15:04:05"

func builtins() []Command {
	return []Command{
		{Name: "menu", Help: "Afficher les commandes", Run: menuCmd},
		{Name: "ping", Help: "Vérifier si le bot répond", Run: pingCmd},
		{Name: "hello", Help: "Saluer le bot", Run: helloCmd},
		{Name: "time", Help: "Heure actuelle", Run: timeCmd},
		{Name: "info", Help: "Infos sur le bot", Run: infoCmd},
		{Name: "quote", Help: "Citation aléatoire", Run: quoteCmd},
		{Name: "randomnum", Aliases: []string{"random"}, Help: "Nombre aléatoire", Run: randomCmd},
		{Name: "sticker", Help: "Créer sticker (répondez à une image avec {prefix}sticker)", Run: stickerCmd},
		{Name: "waifu", Help: "Image waifu", Run: waifuCmd},
		{Name: "dl", Aliases: []string{"download"}, Help: "Télécharger un média (répondez avec {prefix}dl)", Run: downloadCmd},
	}
}

func menuCmd(ctx context.Context, d *Dispatcher, r Request) error {
	var b strings.Builder
	b.WriteString("✅ Commandes disponibles :\n")
	for _, c := range d.commands {
		help := strings.ReplaceAll(c.Help, "{prefix}", d.cfg.Prefix)
		fmt.Fprintf(&b, "%s%s - %s\n", d.cfg.Prefix, c.Name, help)
	}
	return d.ReplyText(ctx, r, b.String())
}

func pingCmd(ctx context.Context, d *Dispatcher, r Request) error {
	return d.ReplyText(ctx, r, "🏓 Pong!")
}

func helloCmd(ctx context.Context, d *Dispatcher, r Request) error {
	name := r.Msg.PushName
	if name == "" {
		name = "user"
	}
	return d.ReplyText(ctx, r, fmt.Sprintf("👋 Hello %s!", name))
}

func timeCmd(ctx context.Context, d *Dispatcher, r Request) error {
	return d.ReplyText(ctx, r, "⏰ Heure actuelle : "+d.now().Format(timeLayout))
}

func infoCmd(ctx context.Context, d *Dispatcher, r Request) error {
	n := 0
	if d.sessions != nil {
		n = d.sessions.ActiveCount()
	}
	cat := d.catalog.Get()
	return d.ReplyText(ctx, r, fmt.Sprintf("🤖 Bot: %s\nSessions actives: %d\nPréfixe: %s", cat.BotName, n, d.cfg.Prefix))
}

func quoteCmd(ctx context.Context, d *Dispatcher, r Request) error {
	quotes := d.catalog.Get().Quotes
	return d.ReplyText(ctx, r, "💬 Citation : "+quotes[d.intn(len(quotes))])
}

func randomCmd(ctx context.Context, d *Dispatcher, r Request) error {
	return d.ReplyText(ctx, r, fmt.Sprintf("🔢 Nombre aléatoire : %d", d.intn(1000)))
}

func waifuCmd(ctx context.Context, d *Dispatcher, r Request) error {
	urls := d.catalog.Get().Waifus
	return d.Reply(ctx, r, protocol.OutboundMessage{
		Image: &protocol.OutboundImage{URL: urls[d.intn(len(urls))], Caption: "✨ Waifu aléatoire"},
	})
}

// stickerCmd re-sends a quoted image or video as a sticker. The media is not transcoded.
func stickerCmd(ctx context.Context, d *Dispatcher, r Request) error {
	media := r.Msg.Quoted().FirstMedia(protocol.MediaImage, protocol.MediaVideo)
	if media == nil {
		return d.ReplyText(ctx, r, fmt.Sprintf("❌ Veuillez répondre à une image ou vidéo avec %ssticker", d.cfg.Prefix))
	}
	if err := d.ReplyText(ctx, r, "⏳ Création du sticker en cours..."); err != nil {
		return err
	}

	data, err := r.Conn.Client.DownloadMedia(ctx, media)
	if err == nil {
		err = d.Reply(ctx, r, protocol.OutboundMessage{Sticker: data})
	}
	if err != nil {
		d.log.Warn("command.sticker.fail", "session_id", r.Conn.ID, "err", err)
		return d.ReplyText(ctx, r, "❌ Erreur lors de la création du sticker")
	}
	return nil
}

var mediaExt = map[protocol.MediaKind]string{
	protocol.MediaImage: ".jpg",
	protocol.MediaVideo: ".mp4",
	protocol.MediaAudio: ".mp3",
}

// downloadCmd stores a quoted media under the downloads directory.
func downloadCmd(ctx context.Context, d *Dispatcher, r Request) error {
	media := r.Msg.Quoted().FirstMedia(protocol.MediaImage, protocol.MediaVideo, protocol.MediaAudio, protocol.MediaDocument)
	if media == nil {
		return d.ReplyText(ctx, r, fmt.Sprintf("❌ Veuillez répondre à un média avec %sdl", d.cfg.Prefix))
	}
	if err := d.ReplyText(ctx, r, "⏳ Téléchargement du média en cours..."); err != nil {
		return err
	}

	name, path, err := d.saveMedia(ctx, r, media)
	if err != nil {
		d.log.Warn("command.download.fail", "session_id", r.Conn.ID, "err", err)
		return d.ReplyText(ctx, r, "❌ Erreur lors du téléchargement du média")
	}
	return d.ReplyText(ctx, r, fmt.Sprintf("✅ Média téléchargé: %s\nChemin: %s", name, path))
}

func (d *Dispatcher) saveMedia(ctx context.Context, r Request, media *protocol.Media) (string, string, error) {
	data, err := r.Conn.Client.DownloadMedia(ctx, media)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(d.cfg.DownloadsDir, 0o755); err != nil {
		return "", "", err
	}

	ext, ok := mediaExt[media.Kind]
	if !ok {
		ext = ".bin"
	}
	name := fmt.Sprintf("downloaded_%d%s", d.now().UnixMilli(), ext)
	path := filepath.Join(d.cfg.DownloadsDir, name)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return "", "", err
	}
	return name, path, nil
}
