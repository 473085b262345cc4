// Package transport hands rendered emails to SMTP through a bounded queue
// drained by worker goroutines, and reports every outcome as a delivery event.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"outreach/models"
	"outreach/utils"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

var (
	ErrQueueFull        = errors.New("transport queue is full")
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrClosed           = errors.New("transport is closed")
)

// Directory loads the rows a message is built from.
type Directory interface {
	GetSender(ctx context.Context, id uint) (models.Sender, error)
	GetContact(ctx context.Context, id uint) (models.Contact, error)
}

// Sink receives delivery outcomes.
type Sink interface {
	Consume(ctx context.Context, ev *models.DeliveryEvent) error
}

// Releaser hands back a sender's quota reservation.
type Releaser interface {
	Release(ctx context.Context, senderID uint) error
}

// Mailer delivers one message through a sender's SMTP account.
type Mailer interface {
	Send(sender models.Sender, password string, m *gomail.Message) error
}

// SMTPMailer dials the sender's server for every message.
type SMTPMailer struct{}

func (SMTPMailer) Send(sender models.Sender, password string, m *gomail.Message) error {
	d := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	d.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	return d.DialAndSend(m)
}

type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	RetryBase       time.Duration
	TrackingBaseURL string
	// EncryptionKey decrypts stored SMTP passwords and signs tracking links.
	EncryptionKey string
}

type job struct {
	req     models.DispatchRequest
	contact models.Contact
}

type Queue struct {
	directory Directory
	sink      Sink
	mailer    Mailer
	releaser  Releaser
	cfg       Config
	logger    logrus.FieldLogger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

func NewQueue(directory Directory, sink Sink, mailer Mailer, cfg Config, logger logrus.FieldLogger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Queue{
		directory: directory,
		sink:      sink,
		mailer:    mailer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		jobs:      make(chan job, cfg.QueueSize),
	}
}

// WithReleaser hands quota back for messages dropped before any SMTP attempt.
func (q *Queue) WithReleaser(r Releaser) *Queue {
	q.releaser = r
	return q
}

// Start launches the workers. They exit when Stop is called.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			for j := range q.jobs {
				q.deliver(ctx, j)
			}
			q.logger.WithField("worker", id).Debug("Transport worker stopped")
		}(i)
	}
	q.logger.WithField("workers", q.cfg.Workers).Info("Transport started")
}

// Stop rejects new messages and waits for queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

// Dispatch validates the recipient and enqueues the message. An error means
// nothing was queued.
func (q *Queue) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	contact, err := q.directory.GetContact(ctx, req.ContactID)
	if err != nil {
		return fmt.Errorf("load contact %d: %w", req.ContactID, err)
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, contact.Email)
	}

	select {
	case q.jobs <- job{req: req, contact: contact}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) deliver(ctx context.Context, j job) {
	log := q.logger.WithFields(logrus.Fields{
		"enrollment_id": j.req.EnrollmentID,
		"sender_id":     j.req.SenderID,
		"step_id":       j.req.StepID,
	})

	sender, err := q.directory.GetSender(ctx, j.req.SenderID)
	if err != nil {
		q.abandon(ctx, j.req, "", fmt.Sprintf("load sender: %v", err))
		return
	}
	password := sender.SMTPPassword
	if q.cfg.EncryptionKey != "" {
		if password, err = utils.Decrypt(q.cfg.EncryptionKey, sender.SMTPPassword); err != nil {
			q.abandon(ctx, j.req, "", fmt.Sprintf("decrypt smtp password: %v", err))
			return
		}
	}

	messageID := newMessageID(sender.FromEmail)
	msg, err := q.compose(j, sender, messageID)
	if err != nil {
		q.abandon(ctx, j.req, messageID, err.Error())
		return
	}

	for attempt := 1; ; attempt++ {
		err = q.mailer.Send(sender, password, msg)
		if err == nil {
			log.WithField("message_id", messageID).Info("Email delivered to SMTP")
			q.emit(ctx, j.req, models.EventSent, "", messageID, "")
			return
		}

		switch Classify(err) {
		case FailurePermanent:
			log.WithError(err).Warn("Recipient rejected")
			q.emit(ctx, j.req, models.EventBounced, models.BounceHard, messageID, err.Error())
			return
		case FailureSender:
			utils.LogError("smtp_sender_rejected", err, map[string]interface{}{"sender_id": sender.ID})
			q.fail(ctx, j.req, messageID, err.Error())
			return
		}

		if attempt >= q.cfg.MaxAttempts {
			log.WithError(err).Warn("Giving up after temporary failures")
			q.fail(ctx, j.req, messageID, fmt.Sprintf("failed after %d attempts: %v", attempt, err))
			return
		}
		backoff := time.Duration(attempt*attempt) * q.cfg.RetryBase
		select {
		case <-ctx.Done():
			q.fail(context.Background(), j.req, messageID, ctx.Err().Error())
			return
		case <-time.After(backoff):
		}
	}
}

func (q *Queue) compose(j job, sender models.Sender, messageID string) (*gomail.Message, error) {
	subject, body, err := Render(j.req.Subject, j.req.Body, mergeFields(j.contact, sender))
	if err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", sender.FromEmail, sender.FromName)
	m.SetHeader("To", j.contact.Email)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", "<"+messageID+">")

	if base := q.cfg.TrackingBaseURL; base != "" {
		unsubscribe := utils.GenerateUnsubscribeURL(base, q.cfg.EncryptionKey, messageID)
		m.SetHeader("List-Unsubscribe", "<"+unsubscribe+">")
		body = utils.InjectTracking(body, base, q.cfg.EncryptionKey, messageID)
		body += fmt.Sprintf(`<p style="font-size:11px;color:#999"><a href="%s">Unsubscribe</a></p>`, unsubscribe)
	}
	m.SetBody("text/html", body)
	return m, nil
}

// abandon gives up on a message that never reached the SMTP server, so its
// quota reservation is handed back.
func (q *Queue) abandon(ctx context.Context, req models.DispatchRequest, messageID, detail string) {
	if q.releaser != nil {
		if err := q.releaser.Release(ctx, req.SenderID); err != nil {
			utils.LogError("quota_release_failed", err, map[string]interface{}{
				"sender_id":     req.SenderID,
				"enrollment_id": req.EnrollmentID,
			})
		}
	}
	q.fail(ctx, req, messageID, detail)
}

// fail reports a delivery the transport will not retry.
func (q *Queue) fail(ctx context.Context, req models.DispatchRequest, messageID, detail string) {
	ev := q.event(req, models.EventError, "", messageID, detail)
	ev.Final = true
	q.consume(ctx, ev)
}

func (q *Queue) emit(ctx context.Context, req models.DispatchRequest, kind models.EventKind, bounce models.BounceType, messageID, detail string) {
	q.consume(ctx, q.event(req, kind, bounce, messageID, detail))
}

func (q *Queue) event(req models.DispatchRequest, kind models.EventKind, bounce models.BounceType, messageID, detail string) *models.DeliveryEvent {
	return &models.DeliveryEvent{
		EnrollmentID: req.EnrollmentID,
		StepID:       req.StepID,
		SenderID:     req.SenderID,
		Kind:         kind,
		BounceType:   bounce,
		MessageID:    messageID,
		Detail:       detail,
		OccurredAt:   q.now(),
	}
}

func (q *Queue) consume(ctx context.Context, ev *models.DeliveryEvent) {
	if err := q.sink.Consume(ctx, ev); err != nil {
		utils.LogError("delivery_event_failed", err, map[string]interface{}{
			"enrollment_id": ev.EnrollmentID,
			"kind":          ev.Kind,
		})
	}
}

func newMessageID(fromEmail string) string {
	domain := "localhost"
	if i := strings.LastIndex(fromEmail, "@"); i >= 0 && i < len(fromEmail)-1 {
		domain = fromEmail[i+1:]
	}
	return uuid.NewString() + "@" + domain
}
