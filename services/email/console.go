package emailsvc

import (
	"fmt"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
)

type consoleService struct {
	defaultFromEmail mail.Address
	subjPrefix       string
	logger           core.Logger
}

var _ core.EmailService = (*consoleService)(nil)

// NewConsoleService logs the emails instead of sending them.
func NewConsoleService(conf *core.Config, logger core.Logger) core.EmailService {
	return &consoleService{
		defaultFromEmail: conf.DefaultFromEmail,
		subjPrefix:       "[" + conf.AppName + "] ",
		logger:           logger,
	}
}

func (svc consoleService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		go svc.sendMessage(msg)
	}
}

func (svc consoleService) sendMessage(msg *core.EmailMessage) {
	if !msg.HasRecipients() || !msg.HasContent() {
		return
	}
	body, err := svc.render(*msg)
	if err != nil {
		svc.logger.Error("rendering email", err)
		return
	}
	svc.logger.Info("email sent", map[string]interface{}{"body": body})
}

func (svc consoleService) render(msg core.EmailMessage) (string, error) {
	body := new(strings.Builder)

	// Write mail header
	_, _ = fmt.Fprintf(body, "From: %s\r\n", svc.defaultFromEmail.String())
	_, _ = fmt.Fprint(body, "MIME-Version: 1.0\r\n")
	_, _ = fmt.Fprintf(body, "Date: %s\r\n", core.NowFunc().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	_, _ = fmt.Fprintf(body, "Subject: %s\r\n", svc.subjPrefix+msg.Subject)
	_, _ = fmt.Fprintf(body, "To: %s\r\n", joinAddresses(msg.To))
	if len(msg.Cc) > 0 {
		_, _ = fmt.Fprintf(body, "CC: %s\r\n", joinAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		_, _ = fmt.Fprintf(body, "BCC: %s\r\n", joinAddresses(msg.Bcc))
	}

	altW := multipart.NewWriter(body)
	_, _ = fmt.Fprintf(body, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", altW.Boundary())

	w, err := altW.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain"}})
	if err != nil {
		return "", errors.Wrap(err, "creating text/plain part")
	}
	_, _ = fmt.Fprintf(w, "%s\r\n", msg.TextContent)

	if msg.HTMLContent != "" {
		if w, err = altW.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html"}}); err != nil {
			return "", errors.Wrap(err, "creating text/html part")
		}
		_, _ = fmt.Fprintf(w, "%s\r\n", msg.HTMLContent)
	}
	if err = altW.Close(); err != nil {
		return "", errors.Wrap(err, "closing multipart writer")
	}
	return body.String(), nil
}

func joinAddresses(addrs []mail.Address) string {
	toJoin := make([]string, 0, len(addrs))
	for _, a := range addrs {
		toJoin = append(toJoin, a.String())
	}
	return strings.Join(toJoin, ", ")
}

// ConsoleServiceMock records the messages it is given, synchronously.
type ConsoleServiceMock struct {
	consoleService

	mu   sync.Mutex
	sent []core.EmailMessage
}

var _ core.EmailService = (*ConsoleServiceMock)(nil)

func NewConsoleServiceMock(conf *core.Config) *ConsoleServiceMock {
	return &ConsoleServiceMock{
		consoleService: consoleService{
			defaultFromEmail: conf.DefaultFromEmail,
			subjPrefix:       "[" + conf.AppName + "] ",
		},
	}
}

func (svc *ConsoleServiceMock) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		// run synchronously
		if !msg.HasRecipients() || !msg.HasContent() {
			continue
		}
		if _, err := svc.render(*msg); err != nil {
			continue
		}
		svc.mu.Lock()
		svc.sent = append(svc.sent, *msg)
		svc.mu.Unlock()
	}
}

// SentMessages returns a copy of the recorded messages.
func (svc *ConsoleServiceMock) SentMessages() []core.EmailMessage {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]core.EmailMessage(nil), svc.sent...)
}
