package sieveengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/sora-sieve/helpers"
	"github.com/migadu/sora-sieve/logger"
	"github.com/migadu/sora-sieve/pkg/metrics"
	"github.com/migadu/sora-sieve/server/delivery"
	"lukechampine.com/blake3"
)

const defaultVacationDays = 7

type headerEdit struct {
	Action    string // "add" or "delete"
	FieldName string
	Value     string
	Last      bool
	Index     int // deleteheader :index, 0 for every instance
}

type vacationResponse struct {
	Sender  string // recipient of the response
	From    string
	Subject string
	Body    string
	MIME    bool
	Handle  string
	Days    int
}

// decisions is what a script run left behind in its runtime data.
type decisions struct {
	HeaderEdits []headerEdit
	Redirects   []string
	Mailboxes   []string
	Create      map[string]bool
	Flags       []string
	Vacations   []vacationResponse
	Keep        bool
}

func decisionsFrom(data *interp.RuntimeData) decisions {
	d := decisions{
		Redirects: data.RedirectAddr,
		Mailboxes: data.Mailboxes,
		Create:    make(map[string]bool, len(data.MailboxesCreate)),
		Flags:     data.Flags,
		Keep:      data.Keep || data.ImplicitKeep,
	}
	for _, mb := range data.MailboxesCreate {
		d.Create[mb] = true
	}
	for _, edit := range data.HeaderEdits {
		d.HeaderEdits = append(d.HeaderEdits, headerEdit{
			Action:    edit.Action,
			FieldName: edit.FieldName,
			Value:     edit.Value,
			Last:      edit.Last,
			Index:     edit.Index,
		})
	}
	for sender, v := range data.VacationResponses {
		d.Vacations = append(d.Vacations, vacationResponse{
			Sender:  sender,
			From:    v.From,
			Subject: v.Subject,
			Body:    v.Body,
			MIME:    v.IsMime,
			Handle:  v.Handle,
			Days:    v.Days,
		})
	}
	sort.Slice(d.Vacations, func(i, j int) bool { return d.Vacations[i].Sender < d.Vacations[j].Sender })
	return d
}

func replay(ctx context.Context, sess *delivery.Session, d decisions) error {
	applyHeaderEdits(sess, d.HeaderEdits)

	for _, addr := range d.Redirects {
		if err := dispatch(ctx, sess, delivery.Redirect{Address: addr}); err != nil {
			return err
		}
	}

	flags := helpers.ParseFlags(d.Flags)
	for _, mailbox := range d.Mailboxes {
		a := delivery.FileInto{Mailbox: mailbox, Flags: flags, Create: d.Create[mailbox]}
		if err := dispatch(ctx, sess, a); err != nil {
			return err
		}
	}

	if len(d.Vacations) > 0 {
		if reason, suppressed := vacationSuppressed(sess); suppressed {
			logger.Debug("SIEVE: vacation suppressed", "user", sess.Recipient().UserID, "reason", reason)
			metrics.SieveVacation.WithLabelValues("suppressed").Inc()
		} else {
			for _, v := range d.Vacations {
				if err := replayVacation(ctx, sess, v); err != nil {
					return err
				}
			}
		}
	}

	switch {
	case d.Keep:
		return dispatch(ctx, sess, delivery.Keep{Flags: flags})
	case len(d.Redirects) == 0 && len(d.Mailboxes) == 0:
		return dispatch(ctx, sess, delivery.Discard{})
	}
	return nil
}

func dispatch(ctx context.Context, sess *delivery.Session, a delivery.Action) error {
	if err := sess.Dispatch(ctx, a).Err(); err != nil {
		return fmt.Errorf("%s: %w", a.Kind(), err)
	}
	return nil
}

func replayVacation(ctx context.Context, sess *delivery.Session, v vacationResponse) error {
	days := v.Days
	if days <= 0 {
		days = defaultVacationDays
	}
	interval := time.Duration(days) * 24 * time.Hour
	hash := vacationHash(v)

	res := sess.Dispatch(ctx, delivery.VacationCheck{Hash: hash, Interval: interval})
	if err := res.Err(); err != nil {
		return fmt.Errorf("vacation: %w", err)
	}
	if res.Outcome != delivery.OutcomeOK {
		return nil
	}

	return dispatch(ctx, sess, delivery.VacationSend{
		To:       v.Sender,
		From:     v.From,
		Subject:  v.Subject,
		Body:     v.Body,
		MIME:     v.MIME,
		Interval: interval,
		Hash:     hash,
	})
}

// vacationHash identifies a response for throttling: the sender plus the
// :handle, or plus the response content when there is no handle.
func vacationHash(v vacationResponse) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte(v.Sender))
	if v.Handle != "" {
		h.Write([]byte(v.Handle))
	} else {
		h.Write([]byte(v.From))
		h.Write([]byte(v.Subject))
		h.Write([]byte(v.Body))
		if v.MIME {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	return h.Sum(nil)
}

// vacationSuppressed reports messages that must never get an auto-reply.
func vacationSuppressed(sess *delivery.Session) (string, bool) {
	if from, err := sess.Envelope("from"); err != nil || from == "" {
		return "null return path", true
	}
	if values, err := sess.Header("Auto-Submitted"); err == nil {
		token, _, _ := strings.Cut(values[0], ";")
		if !strings.EqualFold(strings.TrimSpace(token), "no") {
			return "auto-submitted", true
		}
	}
	if values, err := sess.Header("Precedence"); err == nil {
		switch strings.ToLower(strings.TrimSpace(values[0])) {
		case "bulk", "list", "junk":
			return "precedence", true
		}
	}
	if _, err := sess.Header("List-Id"); err == nil {
		return "mailing list", true
	}
	return "", false
}

func applyHeaderEdits(sess *delivery.Session, edits []headerEdit) {
	for _, edit := range edits {
		switch edit.Action {
		case "add":
			sess.AddHeader(edit.FieldName, edit.Value, edit.Last)
		case "delete":
			deleteHeader(sess, edit)
		}
	}
}

func deleteHeader(sess *delivery.Session, edit headerEdit) {
	values, err := sess.Header(edit.FieldName)
	if err != nil {
		return
	}

	if edit.Index > 0 {
		if edit.Index > len(values) {
			return
		}
		index := edit.Index
		if edit.Last {
			index = -index
		}
		sess.DeleteHeader(edit.FieldName, index)
		return
	}

	if edit.Value == "" {
		sess.DeleteHeader(edit.FieldName, 0)
		return
	}

	// Delete matching instances bottom-up so earlier indices stay valid.
	for i := len(values) - 1; i >= 0; i-- {
		if strings.TrimSpace(values[i]) == edit.Value {
			sess.DeleteHeader(edit.FieldName, i+1)
		}
	}
}
