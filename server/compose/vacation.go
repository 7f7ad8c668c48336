package compose

import (
	"bytes"
	"fmt"
	"time"

	"github.com/migadu/sora-sieve/helpers"
)

// VacationOptions describes an auto-reply.
type VacationOptions struct {
	MessageID string
	Date      time.Time
	Boundary  string
	Agent     string
	From      string
	To        string
	Subject   string
	InReplyTo string
	Body      string
	MIME      bool // Body is a MIME entity of its own
}

// Vacation builds an auto-reply. Body holds the script text verbatim;
// Header and Footer carry everything generated around it, so the same
// triple can be sent and stored as a secondary copy.
func Vacation(opts VacationOptions) *ComposedMessage {
	var h bytes.Buffer
	fmt.Fprintf(&h, "Message-ID: %s\r\n", opts.MessageID)
	fmt.Fprintf(&h, "Date: %s\r\n", FormatDate(opts.Date))
	fmt.Fprintf(&h, "X-Sieve: %s\r\n", opts.Agent)
	fmt.Fprintf(&h, "From: %s\r\n", helpers.AngleAddr(opts.From))
	fmt.Fprintf(&h, "To: <%s>\r\n", opts.To)
	fmt.Fprintf(&h, "Subject: %s\r\n", EncodeHeaderValue(helpers.TruncateAtControl(opts.Subject)))
	if opts.InReplyTo != "" {
		fmt.Fprintf(&h, "In-Reply-To: %s\r\n", opts.InReplyTo)
	}
	h.WriteString("Auto-Submitted: auto-replied (vacation)\r\n")
	h.WriteString("MIME-Version: 1.0\r\n")

	footer := "\r\n"
	if opts.MIME {
		fmt.Fprintf(&h, "Content-Type: multipart/mixed;\r\n\tboundary=\"%s\"\r\n", opts.Boundary)
		h.WriteString("\r\nThis is a MIME-encapsulated message\r\n")
		fmt.Fprintf(&h, "\r\n--%s\r\n", opts.Boundary)
		footer += fmt.Sprintf("\r\n--%s--\r\n", opts.Boundary)
	} else {
		h.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		h.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	}

	return &ComposedMessage{Header: h.Bytes(), Body: []byte(opts.Body), Footer: []byte(footer)}
}
