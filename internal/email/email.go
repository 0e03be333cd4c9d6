package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/rs/zerolog"

	"github.com/pliu/supportchat/internal/config"
	"github.com/pliu/supportchat/internal/models"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	log  zerolog.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(cfg config.SMTP, log zerolog.Logger) *Sender {
	return &Sender{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		log:      log.With().Str("component", "email").Logger(),
		send:     smtp.SendMail,
	}
}

// The message never includes conversation content; the server cannot read
// it anyway.
var conversationTemplate = template.Must(template.New("conversation").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #6200ee; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>New support conversation</h1>
        </div>
        <div class="content">
            <p>Hi {{.Username}},</p>
            <p>A new end-to-end encrypted support conversation ({{.ConversationID}}) was opened with you.</p>
            <p>Sign in to read and reply. Messages are only readable on your devices.</p>
        </div>
        <div class="footer">
            <p>You are receiving this because you take part in support chat.</p>
        </div>
    </div>
</body>
</html>
`))

func (s *Sender) NotifyNewConversation(ctx context.Context, to *models.User, conv *models.Conversation) error {
	if to.Email == "" {
		return nil
	}

	var body bytes.Buffer
	data := map[string]string{"Username": to.Username, "ConversationID": conv.ID}
	if err := conversationTemplate.Execute(&body, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	subject := "New support conversation"

	// If no host is configured, just log it (for development)
	if s.Host == "" {
		s.log.Info().Str("to", to.Email).Str("subject", subject).Str("conversation_id", conv.ID).Msg("mock email")
		return nil
	}

	// Email headers, in a fixed order
	headers := [][2]string{
		{"From", s.From},
		{"To", to.Email},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=\"UTF-8\""},
	}
	var message bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&message, "%s: %s\r\n", h[0], h[1])
	}
	message.WriteString("\r\n")
	message.Write(body.Bytes())

	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	return s.send(addr, auth, s.From, []string{to.Email}, message.Bytes())
}
