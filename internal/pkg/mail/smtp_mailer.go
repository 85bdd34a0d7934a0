package mail

import (
	"fmt"
	"log"
	"net/smtp"

	"github.com/prospectly/prospectly/internal/pkg/env"
)

// Billing notices must come from a stable, recognizable address so payment
// failure mails are not mistaken for phishing.
const senderDisplayName = "Prospectly Billing"

// SendMail delivers one billing notification over SMTP. The sender falls
// back to billing@MAIL_DOMAIN when SMTP_SENDER is not configured.
func SendMail(to string, subject string, body string) error {
	host := env.GetEnv("SMTP_HOST", "")
	port := env.GetEnv("SMTP_PORT", "587")
	username := env.GetEnv("SMTP_USERNAME", "")
	password := env.GetEnv("SMTP_PASSWORD", "")

	sender := env.GetEnv("SMTP_SENDER", "")
	if sender == "" {
		sender = fmt.Sprintf("billing@%s", env.GetEnv("MAIL_DOMAIN", "localhost"))
		log.Printf("SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if username != "" && password != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	msg := buildMessage(sender, to, subject, body)

	if err := smtp.SendMail(addr, auth, sender, []string{to}, msg); err != nil {
		log.Printf("SMTP send error: %v", err)
		return err
	}
	log.Printf("Email sent to %s via %s", to, addr)
	return nil
}

// buildMessage assembles an HTML mail with the billing from-header.
func buildMessage(sender, to, subject, body string) []byte {
	return []byte(
		fmt.Sprintf("From: %s <%s>\r\nTo: %s\r\nSubject: %s\r\n", senderDisplayName, sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)
}
