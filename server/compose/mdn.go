package compose

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// RejectionOptions describes a disposition-notification bounce.
type RejectionOptions struct {
	MessageID         string // bracketed
	Date              time.Time
	Boundary          string
	Agent             string // X-Sieve value
	Host              string
	ProductName       string
	Postmaster        string
	To                string // return path of the rejected message
	Reason            string
	OriginalRecipient string
	FinalRecipient    string
	OriginalMessageID string
	Original          io.Reader
}

// Rejection builds a multipart/report MDN carrying the explanation, the
// machine-readable disposition and the original message.
func Rejection(opts RejectionOptions) (*ComposedMessage, error) {
	var h bytes.Buffer
	fmt.Fprintf(&h, "Message-ID: %s\r\n", opts.MessageID)
	fmt.Fprintf(&h, "Date: %s\r\n", FormatDate(opts.Date))
	fmt.Fprintf(&h, "X-Sieve: %s\r\n", opts.Agent)
	fmt.Fprintf(&h, "From: Mail Sieve Subsystem <%s>\r\n", opts.Postmaster)
	fmt.Fprintf(&h, "To: <%s>\r\n", opts.To)
	h.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&h, "Content-Type: multipart/report; report-type=disposition-notification;\r\n\tboundary=\"%s\"\r\n", opts.Boundary)
	h.WriteString("Subject: Automatically rejected mail\r\n")
	h.WriteString("Auto-Submitted: auto-replied (rejected)\r\n")
	h.WriteString("\r\nThis is a MIME-encapsulated message\r\n\r\n")

	var b bytes.Buffer
	fmt.Fprintf(&b, "--%s\r\n", opts.Boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Disposition: inline\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString("Your message was automatically rejected by Sieve, a mail\r\nfiltering language.\r\n\r\n")
	fmt.Fprintf(&b, "The following reason was given:\r\n%s\r\n\r\n", opts.Reason)

	fmt.Fprintf(&b, "--%s\r\nContent-Type: message/disposition-notification\r\n\r\n", opts.Boundary)
	fmt.Fprintf(&b, "Reporting-UA: %s; %s\r\n", opts.Host, opts.ProductName)
	if opts.OriginalRecipient != "" {
		fmt.Fprintf(&b, "Original-Recipient: rfc822; %s\r\n", opts.OriginalRecipient)
	}
	fmt.Fprintf(&b, "Final-Recipient: rfc822; %s\r\n", opts.FinalRecipient)
	if opts.OriginalMessageID != "" {
		fmt.Fprintf(&b, "Original-Message-ID: %s\r\n", opts.OriginalMessageID)
	}
	b.WriteString("Disposition: automatic-action/MDN-sent-automatically; deleted\r\n\r\n")

	fmt.Fprintf(&b, "--%s\r\nContent-Type: message/rfc822\r\n\r\n", opts.Boundary)
	if opts.Original != nil {
		if _, err := io.Copy(&b, opts.Original); err != nil {
			return nil, fmt.Errorf("failed to read original message: %w", err)
		}
	}
	b.WriteString("\r\n\r\n")

	footer := fmt.Sprintf("--%s--\r\n", opts.Boundary)
	return &ComposedMessage{Header: h.Bytes(), Body: b.Bytes(), Footer: []byte(footer)}, nil
}
