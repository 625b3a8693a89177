package floe

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
)

// Map an absolute path through a root path map (old root -> new root).
// The longest matching root wins; paths under no root are returned unchanged.
func MapPath(rootPathMap map[string]string, path string) string {
	path = filepath.Clean(path)
	bestOld, bestNew := "", ""
	for old, n := range rootPathMap {
		o := filepath.Clean(old)
		if (path == o || strings.HasPrefix(path, strings.TrimSuffix(o, "/")+"/")) && len(o) > len(bestOld) {
			bestOld, bestNew = o, n
		}
	}
	if bestOld == "" {
		return path
	}

	return filepath.Join(bestNew, strings.TrimPrefix(path, bestOld))
}

// Path filter built from inclusion and exclusion regular expressions (case insensitive)
type PathFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var res []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

func NewPathFilter(include, exclude []string) (*PathFilter, error) {
	inc, err := compilePatterns(include)
	if err != nil {
		return nil, err
	}

	exc, err := compilePatterns(exclude)
	if err != nil {
		return nil, err
	}

	return &PathFilter{include: inc, exclude: exc}, nil
}

// A path is accepted if it matches at least one inclusion pattern (or there is none)
// and no exclusion pattern
func (f *PathFilter) Match(path string) bool {
	if len(f.include) > 0 {
		included := false
		for _, re := range f.include {
			if re.MatchString(path) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}

	for _, re := range f.exclude {
		if re.MatchString(path) {
			return false
		}
	}

	return true
}

// Sorted from least recent to most recent
func SortedListSessions(idx BackupIndex) ([]*Session, error) {
	sessions, err := idx.ListSessions()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sessions, func(a, b int) bool {
		return sessions[a].Created.Before(sessions[b].Created)
	})

	return sessions, nil
}

// Sorted from least recent to most recent
func SortedListRestores(idx RestoreIndex) ([]*RestoreSession, error) {
	sessions, err := idx.ListRestores()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sessions, func(a, b int) bool {
		return sessions[a].Created.Before(sessions[b].Created)
	})

	return sessions, nil
}

// Load a private key either from a file (if keyFile argument is provided), or from its content (key argument)
func LoadIdentities(keyFile, key string) ([]age.Identity, error) {
	if keyFile != "" && key != "" {
		return nil, fmt.Errorf("must provide one of key file or key, not both")
	}

	if keyFile != "" {
		keyData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}

		key = string(keyData)
	}

	return age.ParseIdentities(bytes.NewBufferString(key))
}

// Load a public key either from a file (if keyFile argument is provided), or from its content (key argument)
// If the file or the content represents a private key, derive the public key from it
func LoadRecipients(keyFile, key string) ([]age.Recipient, error) {
	if keyFile != "" && key != "" {
		return nil, fmt.Errorf("must provide one of key file or key, not both")
	}

	if keyFile != "" {
		keyData, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}

		key = string(keyData)
	}

	if identities, err := age.ParseIdentities(bytes.NewBufferString(key)); err == nil {
		var recipients []age.Recipient
		for _, id := range identities {
			x, ok := id.(*age.X25519Identity)
			if !ok {
				return nil, fmt.Errorf("cannot derive a recipient from identity %T", id)
			}
			recipients = append(recipients, x.Recipient())
		}
		return recipients, nil
	}

	return age.ParseRecipients(bytes.NewBufferString(key))
}

func BuildCommand(command []string, additionalArgs ...string) *exec.Cmd {
	fullArgs := append(append([]string{}, command...), additionalArgs...)
	cmd := exec.Command(fullArgs[0], fullArgs[1:]...)
	cmd.Stdout = os.Stderr // default stdout to stderr because we don't want other processes to output stuff on our output
	cmd.Stderr = os.Stderr
	return cmd
}

func StartCommand(log *logrus.Entry, cmd *exec.Cmd) error {
	log.Printf("starting: %s", cmd.String())
	return cmd.Start()
}
