// Package idgen generates identifiers for outgoing mail: Message-IDs,
// multipart boundaries and suppression-ledger synthetic ids.
//
// Uniqueness must hold across processes sharing one suppression ledger, so
// every id combines time, process id, a per-generator sequence and random
// bytes. A Generator is owned by whoever constructs it; there is no
// package-level counter.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

type Generator struct {
	pid      int
	node     [3]byte
	sequence atomic.Uint32
	now      func() time.Time
}

// NewGenerator returns a generator seeded with this process's pid and a
// random node id.
func NewGenerator() *Generator {
	g := &Generator{pid: os.Getpid(), now: time.Now}
	if _, err := rand.Read(g.node[:]); err != nil {
		binary.BigEndian.PutUint16(g.node[:], uint16(time.Now().UnixNano()))
	}
	return g
}

// WithClock overrides the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// New returns a compact 20-character id:
// 4 bytes seconds | 3 bytes node | 2 bytes sequence | 3 bytes random.
func (g *Generator) New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(g.now().Unix()))
	copy(id[4:7], g.node[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(g.sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		binary.BigEndian.PutUint16(id[9:11], uint16(g.now().UnixNano()))
	}
	return strings.ToLower(base32Encoding.EncodeToString(id[:]))
}

// MessageID returns a bracketed Message-ID for mail generated on host.
func (g *Generator) MessageID(host string) string {
	return fmt.Sprintf("<sieve-%d-%d-%d-%s@%s>", g.pid, g.now().Unix(), g.sequence.Add(1), g.randomSuffix(), host)
}

// Boundary returns a multipart boundary that cannot collide between
// concurrent processes on the same host.
func (g *Generator) Boundary(host string) string {
	return fmt.Sprintf("%d-%s/%s", g.pid, g.New(), host)
}

func (g *Generator) randomSuffix() string {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint32(b[:4], uint32(g.now().UnixNano()))
	}
	return strings.ToLower(base32Encoding.EncodeToString(b[:]))
}
