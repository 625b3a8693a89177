package cmd

import (
	"github.com/sloonz/floe/lib"

	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func presetPath(name string) string {
	return path.Join(presetsDir, fmt.Sprintf("%s.json", name))
}

func readPreset(name string) ([]floe.KeyValuePair, error) {
	var kvs []floe.KeyValuePair

	data, err := os.ReadFile(presetPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(data, &kvs)
	return kvs, err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var cmdPreset = &cobra.Command{
	Use:   "preset",
	Short: "Manage presets",
	Long: `Presets are named lists of options, stored as JSON in the presets directory
and expanded in option lines by the preset=<name> option.`,
}

var presetSetClear bool
var cmdPresetSet = &cobra.Command{
	Use:   "set <preset-name> [option=value...]",
	Short: "Create or modify preset",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := os.MkdirAll(presetsDir, 0777)
		if err != nil {
			logrus.Fatal(err)
		}

		var kvs []floe.KeyValuePair
		if !presetSetClear {
			kvs, err = readPreset(args[0])
			if err != nil {
				logrus.Fatal(err)
			}
		}

		for _, opts := range args[1:] {
			kvs = append(kvs, floe.SplitOptions(opts)...)
		}

		data, err := json.Marshal(kvs)
		if err != nil {
			logrus.Fatal(err)
		}

		err = os.WriteFile(presetPath(args[0]), data, 0666)
		if err != nil {
			logrus.Fatal(err)
		}
	},
}

var cmdPresetRemove = &cobra.Command{
	Use:   "remove <preset-name...>",
	Short: "Remove presets",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range args {
			err := os.Remove(presetPath(name))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				logrus.Warn(err)
			}
		}
	},
}

var presetListVerbose bool
var cmdPresetList = &cobra.Command{
	Use:   "list",
	Short: "List presets",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range sortedKeys(presets) {
			if presetListVerbose {
				fmt.Printf("%v %v\n", name, presets[name])
			} else {
				fmt.Printf("%v\n", name)
			}
		}
	},
}

var cmdPresetEval = &cobra.Command{
	Use:   "eval <option-line>",
	Short: "Show the evaluated (after presets substitutions and template evaluation) option line",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		options, err := floe.EvalOptions(floe.SplitOptions(args[0]), presets)
		if err != nil {
			logrus.Fatal(err)
		}

		for _, k := range sortedKeys(options.String) {
			fmt.Printf("%s: %s\n", k, options.String[k])
		}
		for _, k := range sortedKeys(options.StrSlice) {
			fmt.Printf("@%s: %v\n", k, options.StrSlice[k])
		}
	},
}

func init() {
	cmdPresetList.Flags().BoolVarP(&presetListVerbose, "verbose", "v", false, "also print preset content")
	cmdPresetSet.Flags().BoolVarP(&presetSetClear, "clear", "c", false, "remove existing entries")
	cmdPreset.AddCommand(cmdPresetSet, cmdPresetRemove, cmdPresetList, cmdPresetEval)
}
