// Package notify 运维邮件通知
package notify

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/edgelink/fleet/internal/config"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Message 邮件消息
type Message struct {
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
}

// Mailer 邮件发送接口
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

// NoopMailer 未配置运维邮箱时使用
type NoopMailer struct{}

func (NoopMailer) Send(context.Context, *Message) error {
	return nil
}

// SMTPMailer 基于 gomail 的 SMTP 发送
type SMTPMailer struct {
	config *config.EmailConfig
	dialer *gomail.Dialer
	logger *zap.Logger
}

// NewMailer 按配置创建邮件发送器（Fx兼容）
func NewMailer(cfg *config.Config, logger *zap.Logger) Mailer {
	if cfg.Email.OpsAddress == "" || cfg.Email.SMTP.Host == "" {
		return NoopMailer{}
	}
	return NewSMTPMailer(&cfg.Email, logger)
}

// NewSMTPMailer 创建SMTP发送器
func NewSMTPMailer(cfg *config.EmailConfig, logger *zap.Logger) *SMTPMailer {
	dialer := gomail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)

	if cfg.SMTP.UseTLS {
		dialer.SSL = true
	}
	dialer.TLSConfig = &tls.Config{
		InsecureSkipVerify: cfg.SMTP.SkipVerify,
		ServerName:         cfg.SMTP.Host,
	}

	return &SMTPMailer{config: cfg, dialer: dialer, logger: logger.Named("mailer")}
}

// Send 发送邮件，收件人为空时发往运维邮箱
func (m *SMTPMailer) Send(ctx context.Context, msg *Message) error {
	to := msg.To
	if len(to) == 0 {
		to = []string{m.config.OpsAddress}
	}

	gm := gomail.NewMessage()
	if m.config.FromName != "" {
		gm.SetHeader("From", gm.FormatAddress(m.config.FromAddress, m.config.FromName))
	} else {
		gm.SetHeader("From", m.config.FromAddress)
	}
	gm.SetHeader("To", to...)
	gm.SetHeader("Subject", msg.Subject)

	if msg.HTMLBody != "" {
		gm.SetBody("text/html", msg.HTMLBody)
		if msg.TextBody != "" {
			gm.AddAlternative("text/plain", msg.TextBody)
		}
	} else {
		gm.SetBody("text/plain", msg.TextBody)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.dialer.DialAndSend(gm); err != nil {
		return fmt.Errorf("failed to send email via SMTP: %w", err)
	}

	m.logger.Debug("Email sent", zap.Strings("to", to), zap.String("subject", msg.Subject))
	return nil
}
