package notify

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"portal/internal/config"
	"portal/internal/models"
)

const defaultDialTimeout = 10 * time.Second

// Sender delivers authentication mail. SendOTP must report delivery failure.
type Sender interface {
	SendOTP(ctx context.Context, to, code string, purpose models.Purpose, ttl time.Duration) error
	SendLoginNotification(ctx context.Context, to string, info LoginInfo) error
}

func NewSender(cfg config.Config, log *zap.Logger) Sender {
	switch cfg.MailSender {
	case "smtp":
		return &SMTPSender{
			host:               cfg.SMTPHost,
			port:               cfg.SMTPPort,
			user:               cfg.SMTPUser,
			pass:               cfg.SMTPPass,
			useTLS:             cfg.SMTPTLS,
			startTLS:           cfg.SMTPStartTLS,
			insecureSkipVerify: cfg.SMTPInsecureSkipVerify,
			from:               mail.Address{Name: cfg.MailFromName, Address: cfg.MailFrom},
		}
	default:
		return LogSender{log: log.Named("mail"), showCodes: !cfg.IsProduction()}
	}
}

// LogSender writes mail to the log instead of delivering it.
type LogSender struct {
	log       *zap.Logger
	showCodes bool
}

func (s LogSender) SendOTP(ctx context.Context, to, code string, purpose models.Purpose, ttl time.Duration) error {
	_ = ctx
	fields := []zap.Field{zap.String("to", to), zap.String("purpose", string(purpose)), zap.Duration("ttl", ttl)}
	if s.showCodes {
		fields = append(fields, zap.String("code", code))
	}
	s.log.Info("otp mail", fields...)
	return nil
}

func (s LogSender) SendLoginNotification(ctx context.Context, to string, info LoginInfo) error {
	_ = ctx
	s.log.Info("login notification mail",
		zap.String("to", to),
		zap.String("ip", info.IP),
		zap.String("user_agent", info.UserAgent),
		zap.Time("at", info.At),
	)
	return nil
}

type SMTPSender struct {
	host               string
	port               int
	user               string
	pass               string
	useTLS             bool
	startTLS           bool
	insecureSkipVerify bool
	from               mail.Address
}

func (s *SMTPSender) SendOTP(ctx context.Context, to, code string, purpose models.Purpose, ttl time.Duration) error {
	raw, err := buildMessage(s.from, to, otpSubject(purpose), otpBody(code, purpose, ttl), time.Now())
	if err != nil {
		return err
	}
	return s.send(ctx, to, raw)
}

func (s *SMTPSender) SendLoginNotification(ctx context.Context, to string, info LoginInfo) error {
	raw, err := buildMessage(s.from, to, loginSubject, loginBody(info), time.Now())
	if err != nil {
		return err
	}
	return s.send(ctx, to, raw)
}

func (s *SMTPSender) send(ctx context.Context, to string, raw []byte) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	tlsConfig := &tls.Config{ServerName: s.host, InsecureSkipVerify: s.insecureSkipVerify}

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.useTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if s.startTLS && !s.useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.user != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", s.user, s.pass, s.host)); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(s.from.Address); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}
