package intake

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const processedDir = "processed"

// Message is one notification picked up from a Source.
type Message struct {
	ID   string
	From string
	Body string
}

// Source yields unprocessed notifications. Ack marks one as handled so it is
// not returned again.
type Source interface {
	Fetch(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, m Message) error
}

// DirSource reads notifications dropped into a spool directory, either as
// RFC 822 messages or as plain text. Handled files move to processed/.
type DirSource struct {
	dir     string
	allowed map[string]bool
	logger  *zap.Logger
}

// NewDirSource creates the spool and processed directories when missing. An
// empty allowlist accepts every sender.
func NewDirSource(dir string, allowedSenders []string, logger *zap.Logger) (*DirSource, error) {
	if err := os.MkdirAll(filepath.Join(dir, processedDir), 0o755); err != nil {
		return nil, fmt.Errorf("prepare spool dir: %w", err)
	}
	allowed := make(map[string]bool, len(allowedSenders))
	for _, s := range allowedSenders {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			allowed[s] = true
		}
	}
	return &DirSource{dir: dir, allowed: allowed, logger: logger.Named("spool")}, nil
}

// Fetch returns the spooled messages in file name order. Files from senders
// outside the allowlist are moved aside without being returned.
func (d *DirSource) Fetch(ctx context.Context) ([]Message, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var msgs []Message
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			// Acked since the listing.
			continue
		}
		if err != nil {
			d.logger.Error("Failed to read spooled file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}

		m := decodeMessage(raw)
		m.ID = e.Name()
		if !d.accepts(m.From) {
			d.logger.Info("Skipping notification from unlisted sender",
				zap.String("file", m.ID), zap.String("from", m.From))
			if err := d.Ack(ctx, m); err != nil {
				d.logger.Error("Failed to move skipped file", zap.String("file", m.ID), zap.Error(err))
			}
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (d *DirSource) Ack(_ context.Context, m Message) error {
	return os.Rename(filepath.Join(d.dir, m.ID), filepath.Join(d.dir, processedDir, m.ID))
}

func (d *DirSource) accepts(from string) bool {
	if len(d.allowed) == 0 {
		return true
	}
	return d.allowed[strings.ToLower(from)]
}

// decodeMessage treats anything that does not parse as a mail message as a
// bare notification body.
func decodeMessage(raw []byte) Message {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Message{Body: string(raw)}
	}

	var m Message
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		m.From = addr.Address
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		body, _ := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		m.Body = body
		return m
	}

	// Keep every text part; the parser only needs one of them to match.
	var parts []string
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		if ct := p.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/") {
			continue
		}
		// NextPart already undoes quoted-printable.
		if body, err := decodeBody(p, p.Header.Get("Content-Transfer-Encoding")); err == nil {
			parts = append(parts, body)
		}
	}
	m.Body = strings.Join(parts, "\n")
	return m
}

func decodeBody(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}
	b, err := io.ReadAll(r)
	return string(b), err
}
