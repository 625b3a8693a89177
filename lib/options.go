package floe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/gobuffalo/flect"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

var splitOptionsRe = regexp.MustCompile(`(?:[^\\]|^)(?:\\\\)*,`)

type KeyValuePair = [2]string

// Store parsed and evaluated options
type Options struct {
	// All normal (non-"@"-prefixed) options
	String map[string]string

	// All noslice (non-"@"-prefixed) options
	// Keys have their "@" prefix stripped
	StrSlice map[string][]string
}

func (o *Options) merge() map[string]interface{} {
	res := make(map[string]interface{})
	for k, v := range o.String {
		res[k] = v
	}
	for k, v := range o.StrSlice {
		res["@"+k] = v
	}
	return res
}

// Get a command, for @Command options
// This supports a shorthand, Command="sudo mycommand" (for example)
// where the simple string will be parsed into a slice following shell syntax
func (o *Options) GetCommand(key string, defaults []string) []string {
	if ss, ok := o.StrSlice[key]; ok {
		return ss
	}

	if s, ok := o.String[key]; ok {
		res, err := shlex.Split(s)
		if err != nil {
			logrus.Warnf("cannot parse %s: %s", key, err)
		} else {
			return res
		}
	}

	return defaults
}

func (o *Options) GetBoolean(key string, defaults bool) (bool, error) {
	if s, ok := o.String[key]; ok {
		ls := strings.ToLower(s)
		switch ls {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no":
			return false, nil
		default:
			return false, fmt.Errorf("invalid boolean: %s", s)
		}
	}

	return defaults, nil
}

func (o *Options) GetString(key string, defaults string) string {
	if s, ok := o.String[key]; ok {
		return s
	} else {
		return defaults
	}
}

func (o *Options) GetInt64(key string, defaults int64) (int64, error) {
	if s, ok := o.String[key]; ok {
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s: %s", key, s)
		}
		return v, nil
	}

	return defaults, nil
}

// Return a copy of the options without the given keys
func (o *Options) Without(keys ...string) *Options {
	res := &Options{
		String:   make(map[string]string),
		StrSlice: make(map[string][]string),
	}

	skip := make(map[string]struct{})
	for _, k := range keys {
		skip[k] = struct{}{}
	}

	for k, v := range o.String {
		if _, ok := skip[k]; !ok {
			res.String[k] = v
		}
	}
	for k, v := range o.StrSlice {
		if _, ok := skip[k]; !ok {
			res.StrSlice[k] = append([]string{}, v...)
		}
	}

	return res
}

// Options of an archive line that describe the archive itself rather than its
// blob store
var ArchiveKeys = []string{"IndexPath", "IndexType", "SpoolDir", "KeyFile", "Key"}

// Options of the blob store of an archive line
func (o *Options) StoreOptions() *Options {
	return o.Without(ArchiveKeys...)
}

// Location of the index and its backend, badger by default
func (o *Options) Index() (path string, typ string) {
	return o.String["IndexPath"], o.GetString("IndexType", "badger")
}

func (o *Options) SpoolDir() string {
	return o.String["SpoolDir"]
}

// Key of the archive: the path to an age key file, or a key given inline
func (o *Options) KeySource() (file string, key string) {
	return o.String["KeyFile"], o.String["Key"]
}

func parseOption(option string) (string, string) {
	s := strings.SplitN(strings.ReplaceAll(strings.ReplaceAll(option, "\\,", ","), "\\\\", "\\"), "=", 2)
	if len(s) == 0 {
		return "", ""
	}

	var prefix string
	k := s[0]
	if len(k) > 0 && k[0] == '@' {
		prefix = string(k[0])
		k = k[1:]
	}

	if len(s) == 1 {
		return prefix + flect.Pascalize(k), "true"
	} else if len(s) == 2 {
		return prefix + flect.Pascalize(k), s[1]
	} else {
		panic("should not happen")
	}
}

// Split a command line into a list of key-value pairs, separated by a comma
func SplitOptions(options string) []KeyValuePair {
	result := make([]KeyValuePair, 0)
	indices := splitOptionsRe.FindAllStringIndex(options, -1)

	prevPos := 0
	for _, idx := range indices {
		pos := idx[1]
		k, v := parseOption(options[prevPos : pos-1])
		if k != "" {
			result = append(result, KeyValuePair{k, v})
		}
		prevPos = pos
	}

	k, v := parseOption(options[prevPos:])
	if k != "" {
		result = append(result, KeyValuePair{k, v})
	}

	return result
}

// Load the <name>.json presets of a directory. A missing directory holds no
// preset; unreadable presets are skipped.
func ReadPresets(presetsDir string) (map[string][]KeyValuePair, error) {
	entries, err := os.ReadDir(presetsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	presets := make(map[string][]KeyValuePair)
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}

		data, err := os.ReadFile(path.Join(presetsDir, entry.Name()))
		if err != nil {
			logrus.Warn(err)
			continue
		}

		var options []KeyValuePair
		err = json.Unmarshal(data, &options)
		if err != nil {
			logrus.Warnf("invalid preset %s: %v", name, err)
			continue
		}

		presets[name] = options
	}

	return presets, nil
}

func evalOptions(result *Options, kvs []KeyValuePair, presets map[string][]KeyValuePair) error {
	for _, kv := range kvs {
		k, v := kv[0], kv[1]

		tpl, err := template.New(k).Funcs(sprig.TxtFuncMap()).Parse(v)
		if err != nil {
			logrus.Warnf("failed to evaluate %v: %v", k, err)
		} else {
			buf := bytes.NewBuffer(nil)
			err = tpl.Execute(buf, result.merge())
			if err != nil {
				logrus.Warnf("failed to evaluate %v: %v", k, err)
			} else {
				v = buf.String()
			}
		}

		if k == "Preset" {
			presetOptions, ok := presets[v]
			if ok {
				err := evalOptions(result, presetOptions, presets)
				if err != nil {
					return err
				}
			} else {
				logrus.Warnf("preset %s not found", v)
			}
		} else if len(k) > 0 && k[0] == '@' {
			result.StrSlice[k[1:]] = append(result.StrSlice[k[1:]], v)
		} else {
			result.String[k] = v
		}
	}
	return nil
}

// Evaluate raw key-value pairs (evaluate values as a template and substitute presets)
func EvalOptions(kvs []KeyValuePair, presets map[string][]KeyValuePair) (*Options, error) {
	options := &Options{
		String:   make(map[string]string),
		StrSlice: make(map[string][]string),
	}
	err := evalOptions(options, kvs, presets)
	if err != nil {
		return nil, err
	}

	return options, nil
}
