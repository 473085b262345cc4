package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"outreach/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type directory struct {
	sender  models.Sender
	contact models.Contact
}

func (d directory) GetSender(context.Context, uint) (models.Sender, error) { return d.sender, nil }

func (d directory) GetContact(context.Context, uint) (models.Contact, error) { return d.contact, nil }

type sink struct {
	mu     sync.Mutex
	events []models.DeliveryEvent
}

func (s *sink) Consume(_ context.Context, ev *models.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

type mailer struct {
	mu       sync.Mutex
	errs     []error
	attempts int
	sent     []*gomail.Message
}

func (m *mailer) Send(_ models.Sender, _ string, msg *gomail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

type releaser struct {
	mu       sync.Mutex
	released []uint
}

func (r *releaser) Release(_ context.Context, senderID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, senderID)
	return nil
}

func newQueue(m *mailer, cfg Config) (*Queue, *sink) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	dir := directory{
		sender:  models.Sender{FromEmail: "ann@acme.io", FromName: "Ann", SMTPHost: "smtp.acme.io", SMTPPort: 587},
		contact: models.Contact{Email: "jane@example.com", FirstName: "Jane", Company: "Initech"},
	}
	dir.sender.ID = 11
	s := &sink{}
	cfg.RetryBase = time.Millisecond
	return NewQueue(dir, s, m, cfg, logger), s
}

func request() models.DispatchRequest {
	return models.DispatchRequest{
		EnrollmentID: 5,
		StepID:       100,
		SenderID:     11,
		ContactID:    9,
		Subject:      "Hello {{.FirstName}}",
		Body:         `<p>Hi {{.FirstName}} at {{.Company}}, <a href="https://acme.io">see this</a></p>`,
	}
}

func run(t *testing.T, q *Queue, reqs ...models.DispatchRequest) {
	t.Helper()
	q.Start(context.Background())
	for _, r := range reqs {
		require.NoError(t, q.Dispatch(context.Background(), r))
	}
	q.Stop()
}

func TestDeliverSuccess(t *testing.T) {
	m := &mailer{}
	q, s := newQueue(m, Config{Workers: 2, TrackingBaseURL: "https://t.acme.io", EncryptionKey: ""})

	run(t, q, request())

	require.Len(t, s.events, 1)
	ev := s.events[0]
	assert.Equal(t, models.EventSent, ev.Kind)
	assert.Equal(t, uint(5), ev.EnrollmentID)
	assert.Equal(t, uint(11), ev.SenderID)
	assert.Contains(t, ev.MessageID, "@acme.io")

	require.Len(t, m.sent, 1)
	msg := m.sent[0]
	assert.Equal(t, []string{"Hello Jane"}, msg.GetHeader("Subject"))
	assert.Equal(t, []string{"<" + ev.MessageID + ">"}, msg.GetHeader("Message-ID"))
	require.Len(t, msg.GetHeader("List-Unsubscribe"), 1)

	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Initech")
}

func TestDeliverPermanentFailureBounces(t *testing.T) {
	m := &mailer{errs: []error{errors.New("gomail: could not send email 1: 550 5.1.1 user unknown")}}
	q, s := newQueue(m, Config{Workers: 1})

	run(t, q, request())

	require.Len(t, s.events, 1)
	assert.Equal(t, models.EventBounced, s.events[0].Kind)
	assert.Equal(t, models.BounceHard, s.events[0].BounceType)
	assert.Equal(t, 1, m.attempts)
}

func TestDeliverRetriesTemporaryFailure(t *testing.T) {
	m := &mailer{errs: []error{&textproto.Error{Code: 451, Msg: "try later"}, nil}}
	q, s := newQueue(m, Config{Workers: 1, MaxAttempts: 3})

	run(t, q, request())

	require.Len(t, s.events, 1)
	assert.Equal(t, models.EventSent, s.events[0].Kind)
	assert.Equal(t, 2, m.attempts)
}

func TestDeliverGivesUp(t *testing.T) {
	temp := errors.New("421 service not available")
	m := &mailer{errs: []error{temp, temp, temp}}
	q, s := newQueue(m, Config{Workers: 1, MaxAttempts: 3})

	run(t, q, request())

	require.Len(t, s.events, 1)
	assert.Equal(t, models.EventError, s.events[0].Kind)
	assert.Contains(t, s.events[0].Detail, "failed after 3 attempts")
	assert.True(t, s.events[0].Final)
	assert.Equal(t, 3, m.attempts)
}

func TestDeliverAttemptedKeepsReservation(t *testing.T) {
	m := &mailer{errs: []error{&textproto.Error{Code: 535, Msg: "bad credentials"}}}
	q, s := newQueue(m, Config{Workers: 1})
	r := &releaser{}
	q.WithReleaser(r)

	run(t, q, request())

	require.Len(t, s.events, 1)
	assert.True(t, s.events[0].IsFinalError())
	assert.Empty(t, r.released)
}

func TestDeliverUnrenderableReleasesQuota(t *testing.T) {
	m := &mailer{}
	q, s := newQueue(m, Config{Workers: 1})
	r := &releaser{}
	q.WithReleaser(r)

	req := request()
	req.Body = "<p>Hi {{.FirstName</p>"
	run(t, q, req)

	assert.Zero(t, m.attempts)
	assert.Equal(t, []uint{11}, r.released)
	require.Len(t, s.events, 1)
	assert.Equal(t, models.EventError, s.events[0].Kind)
	assert.True(t, s.events[0].Final)
	assert.Contains(t, s.events[0].Detail, "parse body")
}

func TestDeliverUndecryptablePasswordReleasesQuota(t *testing.T) {
	m := &mailer{}
	q, s := newQueue(m, Config{Workers: 1, EncryptionKey: "0123456789abcdef0123456789abcdef"})
	dir := q.directory.(directory)
	dir.sender.SMTPPassword = "not-ciphertext"
	q.directory = dir
	r := &releaser{}
	q.WithReleaser(r)

	run(t, q, request())

	assert.Zero(t, m.attempts)
	assert.Equal(t, []uint{11}, r.released)
	require.Len(t, s.events, 1)
	assert.True(t, s.events[0].IsFinalError())
}

func TestDispatchRejectsInvalidRecipient(t *testing.T) {
	q, _ := newQueue(&mailer{}, Config{})
	dir := q.directory.(directory)
	dir.contact.Email = "not-an-address"
	q.directory = dir

	err := q.Dispatch(context.Background(), request())
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestDispatchQueueFull(t *testing.T) {
	q, _ := newQueue(&mailer{}, Config{QueueSize: 1})

	require.NoError(t, q.Dispatch(context.Background(), request()))
	assert.ErrorIs(t, q.Dispatch(context.Background(), request()), ErrQueueFull)
}

func TestDispatchAfterStop(t *testing.T) {
	q, _ := newQueue(&mailer{}, Config{})
	q.Start(context.Background())
	q.Stop()
	q.Stop()
	assert.ErrorIs(t, q.Dispatch(context.Background(), request()), ErrClosed)
}

func TestRender(t *testing.T) {
	fields := mergeFields(models.Contact{FirstName: "Jane", LastName: "Doe", Company: "A&B"}, models.Sender{FromName: "Ann"})

	subject, body, err := Render("Hi {{.FirstName}} from {{.Sender}}", "<p>{{.FullName}} @ {{.Company}}</p>", fields)
	require.NoError(t, err)
	assert.Equal(t, "Hi Jane from Ann", subject)
	assert.Equal(t, "<p>Jane Doe @ A&amp;B</p>", body)

	_, _, err = Render("{{.FirstName", "", fields)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Failure
	}{
		{&textproto.Error{Code: 550, Msg: "no such user"}, FailurePermanent},
		{&textproto.Error{Code: 452, Msg: "mailbox full"}, FailureTemporary},
		{&textproto.Error{Code: 535, Msg: "bad credentials"}, FailureSender},
		{fmt.Errorf("gomail: could not send email 1: %v", &textproto.Error{Code: 553, Msg: "rejected"}), FailurePermanent},
		{errors.New("dial tcp: i/o timeout"), FailureTemporary},
		{errors.New("smtp: authentication failed"), FailureSender},
		{errors.New("something odd"), FailureTemporary},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
}
