// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package envy exposes an environment variable for every flag in a FlagSet.
package envy

import (
	"flag"
	"fmt"
	"strings"
)

// Name returns the environment variable for the flag name.
func Name(prefix, name string) string {
	v := prefix + "_" + strings.ToUpper(name)
	return strings.ReplaceAll(v, "-", "_")
}

// Update sets every flag in fs that was not set explicitly to the value of
// its environment variable, as returned by lookup.  Empty variables are
// ignored.  The variable name is appended to each flag's usage.
func Update(prefix string, fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		env := Name(prefix, f.Name)
		if val, ok := lookup(env); ok && val != "" && !set[f.Name] {
			if e := fs.Set(f.Name, val); e != nil && err == nil {
				err = fmt.Errorf("invalid value %q for %s: %w", val, env, e)
			}
		}
		f.Usage = fmt.Sprintf("%s [%s]", f.Usage, env)
	})
	return err
}
