// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package heliosdebug provides a mechanism to configure compatibility and
// diagnostic parameters via the HELIOSDEBUG environment variable.
//
// The value of HELIOSDEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	HELIOSDEBUG=logsweep=1,logbroadcast=1
package heliosdebug

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "HELIOSDEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key, or the
// empty string if it is not set.
func Value(key string) string {
	return params[key]
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
