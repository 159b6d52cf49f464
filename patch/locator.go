// Package patch finds Broadcom .hcd firmware patches and replays them as a
// sequence of HCI command frames.
package patch

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/rigado/btvendor"
)

const (
	// DefaultDir is where vendor images keep their patches.
	DefaultDir = "/vendor/firmware/"
	// Extension of a patch file, matched case-insensitively.
	Extension = ".hcd"

	// hints are never shortened below "BCM"
	minHintLen = 3
)

// Locator maps a controller name onto a patch file.
type Locator struct {
	// Dir is searched for patches. Empty means DefaultDir.
	Dir string
	// Name, if set, is used as is and no search happens.
	Name string

	log btvendor.Logger
}

// NewLocator returns a Locator for dir and an optional fixed file name.
func NewLocator(dir, name string) *Locator {
	return &Locator{Dir: dir, Name: name}
}

func (l *Locator) logger() btvendor.Logger {
	if l.log == nil {
		l.log = btvendor.ComponentLogger("patch")
	}
	return l.log
}

func (l *Locator) dir() string {
	if l.Dir == "" {
		return DefaultDir
	}
	return l.Dir
}

// Locate returns the path of the patch for hint. A configured Name is joined to
// Dir and returned without touching the filesystem. Otherwise Dir is searched
// for <hint>*.hcd, and the hint is shortened by its revision suffix until a
// file matches or it cannot get any shorter.
func (l *Locator) Locate(hint string) (string, error) {
	if l.Name != "" {
		p := join(l.dir(), l.Name)
		l.logger().Infof("fw patch file: %s", p)
		return p, nil
	}

	fis, err := ioutil.ReadDir(l.dir())
	if err != nil {
		l.logger().Errorf("could not open %s: %v", l.dir(), err)
		return "", errors.Wrapf(btvendor.ErrPatchNotFound, "read %s", l.dir())
	}

	for h := hint; h != ""; {
		l.logger().Debugf("target name [%s]", h)
		for _, fi := range fis {
			if fi.IsDir() {
				continue
			}
			if matches(fi.Name(), h) {
				p := join(l.dir(), fi.Name())
				l.logger().Infof("found patch file: %s", p)
				return p, nil
			}
		}

		next := shorten(h)
		if len(next) >= len(h) {
			break
		}
		h = next
	}

	return "", errors.Wrapf(btvendor.ErrPatchNotFound, "no %s for %s in %s", Extension, hint, l.dir())
}

func matches(name, hint string) bool {
	if len(name) < len(hint) || len(name) < len(Extension) {
		return false
	}
	return strings.EqualFold(name[:len(hint)], hint) &&
		strings.EqualFold(name[len(name)-len(Extension):], Extension)
}

// shorten drops the revision suffix of a chip name: it scans backwards over
// digits and 'M'/'m' and cuts at the first other character, as long as more
// than three characters remain. "" means the hint cannot be shortened.
func shorten(hint string) string {
	n := len(hint)
	for n > minHintLen {
		c := rune(hint[n-1])
		if !unicode.IsDigit(c) && c != 'M' && c != 'm' {
			break
		}
		n--
	}
	if n <= minHintLen {
		return ""
	}
	return hint[:n-1]
}

func join(dir, name string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir + name
	}
	return dir + string(filepath.Separator) + name
}
