// Package sieveengine runs Sieve (RFC 5228) scripts with go-sieve on
// behalf of the delivery engine.
//
// The interpreter only decides. Every test it evaluates is answered by the
// delivery Session, and once the script finishes its decisions are replayed
// into the Session's dispatcher in a fixed order:
//
//  1. editheader changes (addheader, deleteheader)
//  2. redirect
//  3. fileinto, with :create and imap4flags
//  4. vacation, checked against the suppression ledger before sending
//  5. keep, explicit or implicit
//  6. discard, when nothing above stored or forwarded the message
//
// The first failing action stops the replay and its error is returned, so
// the caller can fall back to delivering into INBOX.
//
// # Usage
//
//	rt, err := sieveengine.New(engine.Extensions())
//	if err != nil {
//		return err
//	}
//	sess := engine.NewSession(rcpt, snapshot)
//	if err := engine.Run(ctx, rt, sess); err != nil {
//		// deliver to INBOX
//	}
package sieveengine
