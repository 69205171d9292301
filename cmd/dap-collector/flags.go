package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindFlags binds settings keys to the named flags of fs.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// processDate parses a YYYY-MM-DD process date. An empty value is today in
// UTC.
func processDate(s string) (civil.Date, error) {
	if s == "" {
		return civil.DateOf(time.Now().UTC()), nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid process date %q: %w", s, err)
	}
	return d, nil
}

// objectURL turns a bare filesystem path into a file:// URL.
func objectURL(s string) (string, error) {
	if strings.Contains(s, "://") {
		return s, nil
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}
