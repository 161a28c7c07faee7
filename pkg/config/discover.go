// Package config loads the daemon's configuration (spec.md §6) from an INI
// file or dropin directory, following the teacher's pkg/configstack
// discovery order: env override file > env override dir > default dropin
// dir > default config file.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	defs "porto/definitions"
	"porto/pkg/utils"
)

// File is one discovered configuration file on disk.
type File struct {
	Path string
}

var defaultDropinSearch = []string{defs.PortoConfDropin}
var defaultConfigFile = filepath.Join(defs.PortoConfDir, defs.DefaultPortoConf)

// Discover returns, in priority order, the config files that should be
// merged to build the daemon's Config.
func Discover() ([]File, error) {
	if override := os.Getenv(defs.PortoConfEnv); override != "" {
		return []File{{Path: override}}, nil
	}

	if dirByEnv := os.Getenv(defs.PortoConfDirEnv); dirByEnv != "" {
		files, err := listConfigDir(dirByEnv)
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			return files, nil
		}
	}

	var aggregated []File
	for _, dir := range defaultDropinSearch {
		files, err := listConfigDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		aggregated = append(aggregated, files...)
	}
	if len(aggregated) > 0 {
		return aggregated, nil
	}

	if !utils.FileExist(defaultConfigFile) {
		return nil, nil
	}
	return []File{{Path: defaultConfigFile}}, nil
}

func listConfigDir(dir string) ([]File, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".conf") && !strings.HasSuffix(entry.Name(), ".ini") {
			continue
		}
		files = append(files, File{Path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
