package worker

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"outreach/models"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var (
	dsnStatus     = regexp.MustCompile(`(?mi)^Status:\s*([245])\.\d{1,3}\.\d{1,3}`)
	dsnDiagnostic = regexp.MustCompile(`(?mi)^Diagnostic-Code:\s*(.+?)\s*$`)
	quotedMsgID   = regexp.MustCompile(`(?mi)^Message-ID:\s*<([^>\s]+)>`)
)

// Inbound is what the reply watcher needs from one received message.
type Inbound struct {
	MessageID  string
	From       string
	Subject    string
	Date       time.Time
	InReplyTo  []string
	References []string

	// Auto-generated replies such as out-of-office notices
	AutoReply bool

	Bounce      bool
	BounceType  models.BounceType
	Diagnostic  string
	OriginalIDs []string
}

// Referenced returns the message ids this message may answer, most specific
// first.
func (in Inbound) Referenced() []string {
	if in.Bounce {
		return in.OriginalIDs
	}
	ids := append([]string(nil), in.InReplyTo...)
	for i := len(in.References) - 1; i >= 0; i-- {
		ids = append(ids, in.References[i])
	}
	return ids
}

// ParseMessage reads an RFC 5322 message. Delivery status notifications are
// recognised by their sender or multipart/report content type; the ids of the
// bounced messages are taken from the returned original headers.
func ParseMessage(r io.Reader) (Inbound, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return Inbound{}, fmt.Errorf("failed to create message reader: %v", err)
	}
	defer mr.Close()

	var in Inbound
	h := mr.Header
	in.MessageID, _ = h.MessageID()
	in.Subject, _ = h.Subject()
	in.Date, _ = h.Date()
	in.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	in.References, _ = h.MsgIDList("References")
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		in.From = strings.ToLower(from[0].Address)
	}
	if auto := strings.ToLower(h.Get("Auto-Submitted")); auto != "" && auto != "no" {
		in.AutoReply = true
	}

	contentType, params, _ := h.ContentType()
	in.Bounce = isDaemon(in.From) ||
		(contentType == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status"))

	if !in.Bounce {
		return in, nil
	}

	var bodies strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil && !message.IsUnknownCharset(err) {
			return in, fmt.Errorf("failed to read next part: %v", err)
		}
		if p == nil {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return in, fmt.Errorf("failed to read body: %v", err)
		}
		bodies.Write(b)
		bodies.WriteByte('\n')
	}
	text := bodies.String()

	in.BounceType = models.BounceHard
	if m := dsnStatus.FindStringSubmatch(text); m != nil && m[1] == "4" {
		in.BounceType = models.BounceSoft
	}
	if m := dsnDiagnostic.FindStringSubmatch(text); m != nil {
		in.Diagnostic = m[1]
	}
	for _, m := range quotedMsgID.FindAllStringSubmatch(text, -1) {
		if m[1] != in.MessageID {
			in.OriginalIDs = append(in.OriginalIDs, m[1])
		}
	}
	return in, nil
}

func isDaemon(address string) bool {
	local := address
	if i := strings.IndexByte(address, '@'); i >= 0 {
		local = address[:i]
	}
	return local == "mailer-daemon" || local == "postmaster"
}
