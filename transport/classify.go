package transport

import (
	"errors"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

// Failure says how a delivery attempt failed.
type Failure int

const (
	// FailureTemporary may succeed on a later attempt.
	FailureTemporary Failure = iota
	// FailurePermanent is a 5xx rejection of the recipient: a hard bounce.
	FailurePermanent
	// FailureSender is a permanent problem with the sending account itself,
	// such as rejected credentials.
	FailureSender
)

// gomail flattens SMTP errors into strings, so the reply code is recovered
// from the message text.
var replyCode = regexp.MustCompile(`(?:^|: )([245]\d\d)[ -]`)

func smtpCode(err error) int {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Code
	}
	if m := replyCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}

// Classify maps a send error to a Failure.
func Classify(err error) Failure {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTemporary
	}

	code := smtpCode(err)
	switch {
	case code == 530 || code == 534 || code == 535:
		return FailureSender
	case code >= 500:
		return FailurePermanent
	case code >= 400:
		return FailureTemporary
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"try again", "temporary", "timeout", "connection refused", "eof"} {
		if strings.Contains(msg, s) {
			return FailureTemporary
		}
	}
	for _, s := range []string{"authentication failed", "username and password not accepted", "auth"} {
		if strings.Contains(msg, s) {
			return FailureSender
		}
	}
	return FailureTemporary
}
