package floe

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type splitOptionsTest struct {
	s      string
	result [][2]string
}

func TestSplitOptions(t *testing.T) {
	tests := []splitOptionsTest{
		{s: "", result: [][2]string{}},
		{s: "a", result: [][2]string{{"A", "true"}}},
		{s: "a=1", result: [][2]string{{"A", "1"}}},
		{s: "a=1,b=2,c=3", result: [][2]string{{"A", "1"}, {"B", "2"}, {"C", "3"}}},
		{s: "a=1,@b=2,c=3", result: [][2]string{{"A", "1"}, {"@B", "2"}, {"C", "3"}}},
		{s: "a=1,@b=2,c=3,@b=4", result: [][2]string{{"A", "1"}, {"@B", "2"}, {"C", "3"}, {"@B", "4"}}},
		{s: "a=1,b,c=3", result: [][2]string{{"A", "1"}, {"B", "true"}, {"C", "3"}}},
		{s: "a=1\\,b=2,c=3", result: [][2]string{{"A", "1,b=2"}, {"C", "3"}}},
		{s: "a=1\\\\\\,b=2,c=3", result: [][2]string{{"A", "1\\,b=2"}, {"C", "3"}}},
		{s: "a=1\\\\\\\\\\,b=2,c=3", result: [][2]string{{"A", "1\\\\,b=2"}, {"C", "3"}}},
		{s: "a=1\\\\,b=2,c=3", result: [][2]string{{"A", "1\\"}, {"B", "2"}, {"C", "3"}}},
		{s: "a=1\\\\\\\\,b=2,c=3", result: [][2]string{{"A", "1\\\\"}, {"B", "2"}, {"C", "3"}}},
		{s: "a=1\\0,b=2,c=3", result: [][2]string{{"A", "1\\0"}, {"B", "2"}, {"C", "3"}}},
		{s: "a=1,b=2,\\c=3\\", result: [][2]string{{"A", "1"}, {"B", "2"}, {"C", "3\\"}}},
	}

	for _, test := range tests {
		result := SplitOptions(test.s)
		if !reflect.DeepEqual(result, test.result) {
			t.Errorf("does not match: %v %v (from %v)", test.result, result, test.s)
		}
	}
}

func TestEvalOptions(t *testing.T) {
	presets := map[string][]KeyValuePair{
		"store":       {{"KeyFile", "/etc/floe/backup.key"}, {"SpoolDir", "/var/lib/floe/spool/{{.EscapedPath}}"}},
		"alt-key":     {{"KeyFile", "/etc/floe/alt.key"}},
		"escape-path": {{"EscapedPath", "{{.Path | replace \"/\" \"-\" | replace \":\" \"-\"}}"}},
		"fs-store":    {{"Preset", "escape-path"}, {"Type", "fs"}, {"Preset", "store"}, {"IndexPath", "/var/lib/floe/index/{{.EscapedPath}}/"}},
	}

	options := []KeyValuePair{
		{"Path", "/etc"},
		{"Preset", "fs-store"},
		{"Preset", "alt-key"},
		{"@Exclude", "\\.cache/"},
		{"@Exclude", "\\.tmp$"},
	}

	result, err := EvalOptions(options, presets)
	if err != nil {
		t.Error(err)
	}

	expected := &Options{
		String: map[string]string{
			"Type":        "fs",
			"Path":        "/etc",
			"EscapedPath": "-etc",
			"KeyFile":     "/etc/floe/alt.key",
			"SpoolDir":    "/var/lib/floe/spool/-etc",
			"IndexPath":   "/var/lib/floe/index/-etc/",
		},
		StrSlice: map[string][]string{
			"Exclude": {"\\.cache/", "\\.tmp$"},
		},
	}

	if !reflect.DeepEqual(expected, result) {
		t.Errorf("result: %v ; expected: %v", result, expected)
	}
}

func TestArchiveOptions(t *testing.T) {
	kvs := SplitOptions("type=fs,path=/srv/backup,index-path=/var/lib/floe/index,spool-dir=/var/lib/floe/spool,key-file=/etc/floe/key")
	options, err := EvalOptions(kvs, nil)
	if err != nil {
		t.Fatal(err)
	}

	if p, typ := options.Index(); p != "/var/lib/floe/index" || typ != "badger" {
		t.Errorf("unexpected index: %s %s", p, typ)
	}
	if options.SpoolDir() != "/var/lib/floe/spool" {
		t.Errorf("unexpected spool directory: %s", options.SpoolDir())
	}
	if file, key := options.KeySource(); file != "/etc/floe/key" || key != "" {
		t.Errorf("unexpected key source: %q %q", file, key)
	}

	store := options.StoreOptions()
	expected := map[string]string{"Type": "fs", "Path": "/srv/backup"}
	if !reflect.DeepEqual(store.String, expected) {
		t.Errorf("result: %v ; expected: %v", store.String, expected)
	}
	if options.String["SpoolDir"] == "" {
		t.Error("StoreOptions should not modify the options")
	}
}

func TestReadPresets(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"admin.json":  `[["KeyFile", "/etc/floe/admin.key"]]`,
		"json.json":   `[["Type", "fs"]]`,
		"broken.json": `{`,
		"notes.txt":   `[["Type", "ftp"]]`,
	} {
		err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0666)
		if err != nil {
			t.Fatal(err)
		}
	}

	presets, err := ReadPresets(dir)
	if err != nil {
		t.Fatal(err)
	}

	expected := map[string][]KeyValuePair{
		"admin": {{"KeyFile", "/etc/floe/admin.key"}},
		"json":  {{"Type", "fs"}},
	}
	if !reflect.DeepEqual(presets, expected) {
		t.Errorf("result: %v ; expected: %v", presets, expected)
	}

	presets, err = ReadPresets(filepath.Join(dir, "missing"))
	if err != nil || presets != nil {
		t.Errorf("missing directory should hold no preset: %v, %v", presets, err)
	}
}
