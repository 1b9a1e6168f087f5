package notify

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"portal/internal/models"
)

// LoginInfo describes a completed sign-in for the notification mail.
type LoginInfo struct {
	IP        string
	UserAgent string
	At        time.Time
}

func purposeLabel(p models.Purpose) string {
	switch p {
	case models.PurposeRegister:
		return "registration"
	case models.PurposeResetPassword:
		return "password reset"
	default:
		return "login"
	}
}

func otpSubject(p models.Purpose) string {
	return fmt.Sprintf("Your %s verification code", purposeLabel(p))
}

func otpBody(code string, p models.Purpose, ttl time.Duration) string {
	return fmt.Sprintf(
		"Your %s verification code is:\r\n\r\n    %s\r\n\r\nThe code expires in %d minutes and can be used once.\r\n"+
			"If you did not request it, you can ignore this message.\r\n",
		purposeLabel(p), code, int(ttl.Minutes()),
	)
}

const loginSubject = "New sign-in to your account"

func loginBody(info LoginInfo) string {
	ua := info.UserAgent
	if ua == "" {
		ua = "unknown"
	}
	return fmt.Sprintf(
		"A new sign-in to your account was recorded.\r\n\r\nTime: %s\r\nIP address: %s\r\nDevice: %s\r\n\r\n"+
			"If this was not you, contact the portal administrator.\r\n",
		info.At.UTC().Format(time.RFC1123), info.IP, ua,
	)
}

func buildMessage(from mail.Address, to, subject, body string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{&from})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
