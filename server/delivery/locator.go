package delivery

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/migadu/sora-sieve/consts"
	"github.com/migadu/sora-sieve/helpers"
)

// Locator resolves script names inside a script tree laid out as
//
//	users/<user>/<name>.sieve
//	domains/<domain>/global/<name>.sieve
//	global/<name>.sieve
//
// Returned paths are slash-separated and relative to the tree.
type Locator struct {
	fsys   fs.FS
	active string
}

func NewLocator(fsys fs.FS, active string) *Locator {
	return &Locator{fsys: fsys, active: active}
}

func (l *Locator) FS() fs.FS { return l.fsys }

// Active returns the user's active script.
func (l *Locator) Active(user string) (string, error) {
	return l.Personal(user, l.active)
}

// Personal returns a script of the user.
func (l *Locator) Personal(user, name string) (string, error) {
	if err := checkName(user); err != nil {
		return "", err
	}
	p, err := l.scriptPath(path.Join("users", user), name)
	if err != nil {
		return "", err
	}
	return l.existing(p)
}

// Global returns a global script, preferring the user's domain over the
// server-wide one.
func (l *Locator) Global(user, name string) (string, error) {
	if domain := helpers.DomainOf(user); domain != "" && checkName(domain) == nil {
		p, err := l.scriptPath(path.Join("domains", domain, "global"), name)
		if err != nil {
			return "", err
		}
		if found, err := l.existing(p); err == nil {
			return found, nil
		}
	}
	p, err := l.scriptPath("global", name)
	if err != nil {
		return "", err
	}
	return l.existing(p)
}

func (l *Locator) scriptPath(dir, name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if !strings.HasSuffix(name, ".sieve") {
		name += ".sieve"
	}
	return path.Join(dir, name), nil
}

func (l *Locator) existing(p string) (string, error) {
	if _, err := fs.Stat(l.fsys, p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", consts.ErrScriptNotFound, p)
		}
		return "", err
	}
	return p, nil
}

func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.ContainsRune(name, '\\') {
		return fmt.Errorf("%w: %q", consts.ErrIllegalScriptPath, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", consts.ErrIllegalScriptPath, name)
		}
	}
	return nil
}
