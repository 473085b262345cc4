package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"outreach/models"
	"outreach/store"
	"outreach/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

type ReplyStore interface {
	InboxSenders(ctx context.Context) ([]models.Sender, error)
	FindSentEvent(ctx context.Context, messageID string) (models.DeliveryEvent, error)
}

type EventSink interface {
	Consume(ctx context.Context, ev *models.DeliveryEvent) error
}

// Mailbox hands each unseen message to handle. Messages for which handle
// reports true are flagged \Seen; the rest stay unread for the user.
type Mailbox interface {
	FetchUnseen(ctx context.Context, sender models.Sender, password string, since time.Time, handle func(io.Reader) (bool, error)) error
}

type ReplyConfig struct {
	Lookback      time.Duration
	EncryptionKey string
}

// ReplyWorker watches sender inboxes for replies and bounce notifications
// that answer messages the engine sent.
type ReplyWorker struct {
	store   ReplyStore
	sink    EventSink
	mailbox Mailbox
	cfg     ReplyConfig
	logger  logrus.FieldLogger
	now     func() time.Time
}

func NewReplyWorker(store ReplyStore, sink EventSink, mailbox Mailbox, cfg ReplyConfig, logger logrus.FieldLogger) *ReplyWorker {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	return &ReplyWorker{store: store, sink: sink, mailbox: mailbox, cfg: cfg, logger: logger, now: time.Now}
}

func (rw *ReplyWorker) Run(ctx context.Context) {
	senders, err := rw.store.InboxSenders(ctx)
	if err != nil {
		rw.logger.WithError(err).Error("Failed to fetch inbox senders")
		return
	}
	since := rw.now().Add(-rw.cfg.Lookback)
	for _, sender := range senders {
		if ctx.Err() != nil {
			return
		}
		log := rw.logger.WithField("sender_id", sender.ID)

		password := sender.IMAPPassword
		if rw.cfg.EncryptionKey != "" {
			if password, err = utils.Decrypt(rw.cfg.EncryptionKey, sender.IMAPPassword); err != nil {
				log.WithError(err).Warn("Failed to decrypt IMAP password")
				continue
			}
		}

		err := rw.mailbox.FetchUnseen(ctx, sender, password, since, func(r io.Reader) (bool, error) {
			in, err := ParseMessage(r)
			if err != nil {
				log.WithError(err).Debug("Skipping unreadable message")
				return false, nil
			}
			return rw.Handle(ctx, in)
		})
		if err != nil {
			log.WithError(err).Warn("Inbox poll failed")
		}
	}
}

// Handle matches an inbound message to a sent message and feeds the
// resulting replied or bounced event to the sink. It reports whether the
// message was consumed.
func (rw *ReplyWorker) Handle(ctx context.Context, in Inbound) (bool, error) {
	if in.AutoReply && !in.Bounce {
		return false, nil
	}
	for _, id := range in.Referenced() {
		sent, err := rw.store.FindSentEvent(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}

		ev := &models.DeliveryEvent{
			EnrollmentID: sent.EnrollmentID,
			StepID:       sent.StepID,
			SenderID:     sent.SenderID,
			MessageID:    sent.MessageID,
			OccurredAt:   rw.now(),
		}
		if in.Bounce {
			ev.Kind = models.EventBounced
			ev.BounceType = in.BounceType
			ev.Detail = in.Diagnostic
		} else {
			ev.Kind = models.EventReplied
			ev.Detail = "reply from " + in.From
		}
		source := in.MessageID
		if source == "" {
			source = sent.MessageID
		}
		key := fmt.Sprintf("imap:%s:%s", ev.Kind, source)
		ev.IdempotencyKey = &key

		if err := rw.sink.Consume(ctx, ev); err != nil {
			return false, err
		}
		rw.logger.WithFields(logrus.Fields{
			"enrollment_id": sent.EnrollmentID,
			"kind":          ev.Kind,
			"message_id":    sent.MessageID,
		}).Info("Inbound message matched")
		return true, nil
	}
	return false, nil
}

// IMAPMailbox reads sender inboxes over IMAP.
type IMAPMailbox struct {
	Timeout time.Duration
}

func (m IMAPMailbox) dial(sender models.Sender) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)
	tlsConfig := &tls.Config{ServerName: sender.IMAPHost}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	if m.Timeout > 0 {
		c.Timeout = m.Timeout
	}
	return c, nil
}

func (m IMAPMailbox) FetchUnseen(ctx context.Context, sender models.Sender, password string, since time.Time, handle func(io.Reader) (bool, error)) error {
	c, err := m.dial(sender)
	if err != nil {
		return err
	}
	defer c.Logout()

	if err := c.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := c.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
	}()

	consumed := new(imap.SeqSet)
	var handleErr error
	for msg := range messages {
		if handleErr != nil || ctx.Err() != nil {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		ok, err := handle(body)
		if err != nil {
			handleErr = err
			continue
		}
		if ok {
			consumed.AddNum(msg.Uid)
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}

	if !consumed.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := c.UidStore(consumed, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return fmt.Errorf("failed to flag messages: %v", err)
		}
	}
	return handleErr
}
